package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/go-badge-sync/internal/config"
	"github.com/go-badge-sync/internal/domain"
)

// Publisher is the subset of the SNS client the alerter uses.
type Publisher interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func NewClient(ctx context.Context, cfg *config.Config) (*sns.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SNSRegion))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SNS: %w", err)
	}
	return sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.AWSEndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpointURL)
		}
	}), nil
}

// alert is the message body published on a stale transition.
type alert struct {
	UserID  string    `json:"userId"`
	Stale   bool      `json:"stale"`
	Total   int       `json:"total"`
	Version uint64    `json:"version"`
	At      time.Time `json:"at"`
}

// Alerter publishes to an SNS topic whenever the badge goes stale or
// recovers. Observe never blocks; alerts are sent from Run.
type Alerter struct {
	client   Publisher
	topicARN string
	userID   string
	log      *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	stale  bool
	alerts chan alert
}

func NewAlerter(client Publisher, topicARN, userID string, logger *slog.Logger) *Alerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Alerter{
		client:   client,
		topicARN: topicARN,
		userID:   userID,
		log:      logger,
		now:      time.Now,
		alerts:   make(chan alert, 8),
	}
}

// Observe records a badge count and queues an alert on stale transitions.
func (a *Alerter) Observe(bc domain.BadgeCount) {
	a.mu.Lock()
	changed := bc.Stale != a.stale
	a.stale = bc.Stale
	a.mu.Unlock()
	if !changed {
		return
	}

	msg := alert{UserID: a.userID, Stale: bc.Stale, Total: bc.Total, Version: bc.Version, At: a.now().UTC()}
	select {
	case a.alerts <- msg:
	default:
		a.log.Warn("alert queue full, dropping badge alert", "stale", bc.Stale)
	}
}

// Run publishes queued alerts until ctx is done.
func (a *Alerter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.alerts:
			if err := a.publish(ctx, msg); err != nil {
				a.log.Warn("could not publish badge alert", "err", err)
			}
		}
	}
}

func (a *Alerter) publish(ctx context.Context, msg alert) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	subject := "badge recovered"
	if msg.Stale {
		subject = "badge degraded"
	}
	_, err = a.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(a.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(string(body)),
	})
	return err
}
