package dynamo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/go-badge-sync/internal/domain"
)

// API is the subset of the DynamoDB client the notification repo uses.
type API interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// NotificationRepo serves snapshot pages and stores mark-reads for one user.
type NotificationRepo struct {
	client    API
	tableName string
	userID    string
	pageSize  int32
	now       func() time.Time
}

func NewNotificationRepo(client API, tableName, userID string, pageSize int32) *NotificationRepo {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &NotificationRepo{client: client, tableName: tableName, userID: userID, pageSize: pageSize, now: time.Now}
}

// FetchSnapshot returns one page of the user's notifications from the
// user_id-created_at GSI. The cursor is an opaque encoding of the page's
// LastEvaluatedKey; an empty next cursor means the listing is complete.
func (r *NotificationRepo) FetchSnapshot(ctx context.Context, cursor string) ([]domain.Notification, string, error) {
	start, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("snapshot cursor: %w", domain.ErrBadRequest)
	}

	out, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(indexUserCreatedAt),
		KeyConditionExpression: aws.String("user_id = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: r.userID},
		},
		ExclusiveStartKey: start,
		Limit:             aws.Int32(r.pageSize),
	})
	if err != nil {
		return nil, "", fmt.Errorf("query notifications: %w", err)
	}

	var page []domain.Notification
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
		return nil, "", fmt.Errorf("unmarshal notifications: %w", err)
	}

	next, err := encodeCursor(out.LastEvaluatedKey)
	if err != nil {
		return nil, "", err
	}
	return page, next, nil
}

// PersistMarkRead sets is_read on every listed notification. For "all"
// requests the server-side unread set (optionally one category) is included,
// so rows the client never saw are marked too. Rows deleted in the meantime
// are skipped.
func (r *NotificationRepo) PersistMarkRead(ctx context.Context, req domain.MarkReadRequest) error {
	ids := req.IDs
	if req.All {
		unread, err := r.listUnreadIDs(ctx, req.Category)
		if err != nil {
			return err
		}
		ids = mergeIDs(ids, unread)
	}

	for _, nid := range ids {
		if err := r.markRead(ctx, nid); err != nil {
			return fmt.Errorf("mark %s read: %w", nid, err)
		}
	}
	return nil
}

func (r *NotificationRepo) markRead(ctx context.Context, notificationID string) error {
	ue, err := buildUpdateExpr(map[string]interface{}{
		fieldIsRead: true,
		fieldReadAt: r.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	ue.Names["#uid"] = fieldUserID
	ue.Values[":uid"] = &types.AttributeValueMemberS{Value: r.userID}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       strKey("notification_id", notificationID),
		UpdateExpression:          aws.String(ue.Expr),
		ConditionExpression:       aws.String("#uid = :uid"),
		ExpressionAttributeNames:  ue.Names,
		ExpressionAttributeValues: ue.Values,
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return nil
	}
	return err
}

// listUnreadIDs pages through the user's unread notifications.
func (r *NotificationRepo) listUnreadIDs(ctx context.Context, category *domain.Category) ([]string, error) {
	filter := "#read = :false"
	names := map[string]string{"#read": fieldIsRead}
	values := map[string]types.AttributeValue{
		":uid":   &types.AttributeValueMemberS{Value: r.userID},
		":false": &types.AttributeValueMemberBOOL{Value: false},
	}
	if category != nil {
		filter += " AND #type = :type"
		names["#type"] = fieldType
		values[":type"] = &types.AttributeValueMemberS{Value: string(*category)}
	}

	var (
		ids   []string
		start map[string]types.AttributeValue
	)
	for {
		out, err := r.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(r.tableName),
			IndexName:                 aws.String(indexUserCreatedAt),
			KeyConditionExpression:    aws.String("user_id = :uid"),
			FilterExpression:          aws.String(filter),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return nil, fmt.Errorf("query unread notifications: %w", err)
		}
		var rows []domain.Notification
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &rows); err != nil {
			return nil, fmt.Errorf("unmarshal notifications: %w", err)
		}
		for _, n := range rows {
			ids = append(ids, n.ID)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return ids, nil
		}
		start = out.LastEvaluatedKey
	}
}

func mergeIDs(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, nid := range list {
			if _, ok := seen[nid]; ok {
				continue
			}
			seen[nid] = struct{}{}
			out = append(out, nid)
		}
	}
	return out
}

// encodeCursor turns a LastEvaluatedKey (all string attributes on this index)
// into an opaque page token.
func encodeCursor(key map[string]types.AttributeValue) (string, error) {
	if len(key) == 0 {
		return "", nil
	}
	var flat map[string]string
	if err := attributevalue.UnmarshalMap(key, &flat); err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	raw, err := json.Marshal(flat)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeCursor(cursor string) (map[string]types.AttributeValue, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, err
	}
	var flat map[string]string
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, err
	}
	return attributevalue.MarshalMap(flat)
}
