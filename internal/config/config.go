package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/go-badge-sync/internal/pkg/validate"
)

// Config holds all runtime configuration. Values come from the environment,
// optionally layered over a YAML file named by BADGE_CONFIG_FILE.
type Config struct {
	AppPort  string `mapstructure:"app_port" validate:"required"`
	AppEnv   string `mapstructure:"app_env" validate:"oneof=development staging production"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	// UserID is the user whose badge this instance tracks.
	UserID string `mapstructure:"user_id" validate:"required"`

	AWSRegion      string `mapstructure:"aws_region"`
	AWSEndpointURL string `mapstructure:"aws_endpoint_url"` // empty in prod, set to LocalStack URL in dev
	AWSAccessKeyID string `mapstructure:"aws_access_key_id"`
	AWSSecretKey   string `mapstructure:"aws_secret_access_key"`

	DynamoTables     DynamoTables `mapstructure:",squash"`
	SnapshotPageSize int32        `mapstructure:"snapshot_page_size" validate:"gte=1,lte=1000"`

	S3BucketName       string        `mapstructure:"s3_bucket_name"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`

	SNSRegion        string `mapstructure:"sns_region"`
	SNSAlertTopicARN string `mapstructure:"sns_alert_topic_arn"`

	JWTPublicKeyPath  string        `mapstructure:"jwt_public_key_path"`
	JWTPrivateKeyPath string        `mapstructure:"jwt_private_key_path"`
	JWTExpiry         time.Duration `mapstructure:"jwt_expiry"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"` // CORS allowed origins

	PushURL     string `mapstructure:"push_url" validate:"omitempty,url"`
	PushGapless bool   `mapstructure:"push_gapless"`
	PushToken   string `mapstructure:"push_token"`

	Sync Sync `mapstructure:",squash"`

	OutboxPath string `mapstructure:"outbox_path"`
}

// DynamoTables holds the DynamoDB table names.
type DynamoTables struct {
	Notifications string `mapstructure:"dynamo_table_notifications" validate:"required"`
}

// Sync tunes reconnect handling, snapshot retries and mark-read persistence.
type Sync struct {
	GapThreshold         time.Duration `mapstructure:"gap_threshold"`
	ResyncInterval       time.Duration `mapstructure:"resync_interval"`
	SnapshotMaxAttempts  int           `mapstructure:"snapshot_max_attempts" validate:"gte=1"`
	SnapshotBackoff      time.Duration `mapstructure:"snapshot_backoff"`
	SnapshotFetchTimeout time.Duration `mapstructure:"snapshot_fetch_timeout"`
	// SnapshotRatePerMinute caps snapshot fetch attempts, bursting to SnapshotBurst.
	SnapshotRatePerMinute float64       `mapstructure:"snapshot_rate_per_minute" validate:"gt=0"`
	SnapshotBurst         int           `mapstructure:"snapshot_burst" validate:"gte=1"`
	PersistTimeout        time.Duration `mapstructure:"persist_timeout"`
}

// IsProduction reports whether the service runs outside local development.
func (c *Config) IsProduction() bool { return c.AppEnv == "production" }

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_port", "3000")
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("user_id", "")

	v.SetDefault("aws_region", "us-east-1")
	v.SetDefault("aws_endpoint_url", "")
	v.SetDefault("aws_access_key_id", "")
	v.SetDefault("aws_secret_access_key", "")

	v.SetDefault("dynamo_table_notifications", "notifications")
	v.SetDefault("snapshot_page_size", 100)

	v.SetDefault("s3_bucket_name", "")
	v.SetDefault("checkpoint_interval", "30s")

	v.SetDefault("sns_region", "us-east-1")
	v.SetDefault("sns_alert_topic_arn", "")

	v.SetDefault("jwt_public_key_path", "./public_key.pem")
	v.SetDefault("jwt_private_key_path", "")
	v.SetDefault("jwt_expiry", "24h")
	v.SetDefault("allowed_origins", "*")

	v.SetDefault("push_url", "")
	v.SetDefault("push_gapless", false)
	v.SetDefault("push_token", "")

	v.SetDefault("gap_threshold", "2s")
	v.SetDefault("resync_interval", "5m")
	v.SetDefault("snapshot_max_attempts", 4)
	v.SetDefault("snapshot_backoff", "500ms")
	v.SetDefault("snapshot_fetch_timeout", "30s")
	v.SetDefault("snapshot_rate_per_minute", 12)
	v.SetDefault("snapshot_burst", 3)
	v.SetDefault("persist_timeout", "10s")

	v.SetDefault("outbox_path", "badge-outbox.db")
}

// Load reads configuration from the environment, layered over the YAML file
// named by BADGE_CONFIG_FILE when that is set.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := os.Getenv("BADGE_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			var pathErr *os.PathError
			if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
