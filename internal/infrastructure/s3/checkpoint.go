package s3infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/go-badge-sync/internal/domain"
)

// ObjectAPI is the subset of the S3 client the checkpoint store uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// checkpoint is the stored object body.
type checkpoint struct {
	Total   int                     `json:"total"`
	ByType  map[domain.Category]int `json:"byType"`
	Other   int                     `json:"other,omitempty"`
	Version uint64                  `json:"version"`
	SavedAt time.Time               `json:"savedAt"`
}

// CheckpointStore keeps the last known badge count for one user at
// badges/<userID>.json.
type CheckpointStore struct {
	client ObjectAPI
	bucket string
	key    string
	now    func() time.Time
}

func NewCheckpointStore(client ObjectAPI, bucket, userID string) *CheckpointStore {
	return &CheckpointStore{
		client: client,
		bucket: bucket,
		key:    fmt.Sprintf("badges/%s.json", userID),
		now:    time.Now,
	}
}

// Save uploads bc. The stale flag is not stored; a loaded count is always stale.
func (s *CheckpointStore) Save(ctx context.Context, bc domain.BadgeCount) error {
	body, err := json.Marshal(checkpoint{
		Total:   bc.Total,
		ByType:  bc.ByType,
		Other:   bc.Other,
		Version: bc.Version,
		SavedAt: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

// Load returns the stored count. ok is false when nothing was saved yet.
func (s *CheckpointStore) Load(ctx context.Context) (bc domain.BadgeCount, ok bool, err error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return domain.BadgeCount{}, false, nil
		}
		return domain.BadgeCount{}, false, fmt.Errorf("s3 get object: %w", err)
	}
	defer out.Body.Close()

	var cp checkpoint
	if err := json.NewDecoder(out.Body).Decode(&cp); err != nil {
		return domain.BadgeCount{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	if cp.ByType == nil {
		cp.ByType = map[domain.Category]int{}
	}
	return domain.BadgeCount{
		Total:   cp.Total,
		ByType:  cp.ByType,
		Other:   cp.Other,
		Stale:   true,
		Version: cp.Version,
	}, true, nil
}
