package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// SyncTelemetryEntry summarizes one sync cycle for the analytics store.
type SyncTelemetryEntry struct {
	ClientID              string    `json:"client_id,omitempty"`
	StartedAt             time.Time `json:"started_at"`
	CompletedAt           time.Time `json:"completed_at"`
	ItemsSynced           int       `json:"items_synced"`
	TotalBytes            int64     `json:"total_bytes"`
	BatchCount            int       `json:"batch_count"`
	ErrorCount            int       `json:"error_count"`
	ConflictCount         int       `json:"conflict_count"`
	Cancelled             bool      `json:"cancelled"`
	NetworkClassification string    `json:"network_classification"`
}

// TelemetrySink accepts telemetry writes. No read path is required.
type TelemetrySink interface {
	Record(ctx context.Context, entry *SyncTelemetryEntry) error
}

// TelemetryRecorder persists one entry per cycle. Sink failures are logged
// locally and swallowed: telemetry must never fail, retry, or roll back
// the sync cycle it describes.
type TelemetryRecorder struct {
	sink    TelemetrySink
	timeout time.Duration
}

// NewTelemetryRecorder wraps a sink. A nil sink disables recording.
func NewTelemetryRecorder(sink TelemetrySink) *TelemetryRecorder {
	return &TelemetryRecorder{
		sink:    sink,
		timeout: 10 * time.Second,
	}
}

// RecordCycle persists the cycle summary, swallowing any failure.
func (t *TelemetryRecorder) RecordCycle(ctx context.Context, entry *SyncTelemetryEntry) {
	if t == nil || t.sink == nil || entry == nil {
		return
	}

	// Detach from the cycle's context so cycle cancellation does not lose
	// the entry describing it.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()

	if err := t.sink.Record(recordCtx, entry); err != nil {
		slog.Warn("telemetry record failed",
			"err", err,
			"items_synced", entry.ItemsSynced,
			"batch_count", entry.BatchCount)
	}
}

// S3TelemetryConfig configures the S3 analytics sink.
type S3TelemetryConfig struct {
	Bucket   string `json:"bucket" yaml:"bucket"`
	Region   string `json:"region" yaml:"region"`
	Endpoint string `json:"endpoint" yaml:"endpoint"` // for S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles, instance profiles,
	// or environment variables over setting these directly.
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key"`
	Prefix          string `json:"prefix" yaml:"prefix"`
	UsePathStyle    bool   `json:"use_path_style" yaml:"use_path_style"`
}

// S3TelemetrySink writes one JSON object per cycle to an S3-compatible
// analytics store, keyed by day and cycle start time.
type S3TelemetrySink struct {
	client  *s3.Client
	config  S3TelemetryConfig
	retryer *Retryer
}

// NewS3TelemetrySink creates the analytics sink.
func NewS3TelemetrySink(cfg S3TelemetryConfig) (*S3TelemetrySink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("telemetry: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3TelemetrySink{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       2,
			InitialBackoff:    200 * time.Millisecond,
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           func(error) bool { return true },
		}),
	}, nil
}

// Record implements TelemetrySink.
func (s *S3TelemetrySink) Record(ctx context.Context, entry *SyncTelemetryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal telemetry entry: %w", err)
	}

	key := fmt.Sprintf("%ssync-cycles/%s/%d.json",
		s.config.Prefix,
		entry.StartedAt.UTC().Format("2006-01-02"),
		entry.StartedAt.UnixNano())

	result := s.retryer.Do(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.config.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("S3 put object failed: %w", err)
		}
		return nil
	})
	return result.LastErr
}
