package contacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"go.uber.org/zap"
)

const (
	snapshotPrefix     = "contacts_snapshot_"
	snapshotSuffix     = ".json"
	snapshotTimeLayout = "20060102_150405"
	DefaultKeepDays    = 7
)

// SnapshotSink stores snapshot documents and prunes old ones.
type SnapshotSink interface {
	Name() string
	Write(ctx context.Context, name string, data []byte) error
	Prune(ctx context.Context, before time.Time) (int, error)
}

type SnapshotDocument struct {
	CreatedAt time.Time       `json:"createdAt"`
	Count     int             `json:"count"`
	Records   []ContactRecord `json:"records"`
}

type SnapshotOptions struct {
	KeepDays int
	Now      func() time.Time
	Logger   *zap.Logger
	Metrics  *Metrics
}

// Snapshotter writes point-in-time copies of the store to every sink.
type Snapshotter struct {
	store    *Store
	sinks    []SnapshotSink
	keepDays int
	now      func() time.Time
	logger   *zap.Logger
	metrics  *Metrics
}

func NewSnapshotter(store *Store, sinks []SnapshotSink, opts SnapshotOptions) *Snapshotter {
	keepDays := opts.KeepDays
	if keepDays <= 0 {
		keepDays = DefaultKeepDays
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	filtered := make([]SnapshotSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			filtered = append(filtered, sink)
		}
	}
	return &Snapshotter{
		store:    store,
		sinks:    filtered,
		keepDays: keepDays,
		now:      now,
		logger:   logger,
		metrics:  opts.Metrics,
	}
}

func SnapshotName(at time.Time) string {
	return snapshotPrefix + at.UTC().Format(snapshotTimeLayout) + snapshotSuffix
}

// parseSnapshotName returns the timestamp encoded in a snapshot file name.
func parseSnapshotName(name string) (time.Time, bool) {
	base := path.Base(filepath.ToSlash(name))
	if !strings.HasPrefix(base, snapshotPrefix) || !strings.HasSuffix(base, snapshotSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(base, snapshotPrefix), snapshotSuffix)
	at, err := time.Parse(snapshotTimeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// Run writes one snapshot to every sink and prunes each sink. Sink failures
// are joined; a failing sink does not stop the others.
func (s *Snapshotter) Run(ctx context.Context) (string, error) {
	now := s.now().UTC()
	records := s.store.All()
	data, err := json.MarshalIndent(SnapshotDocument{CreatedAt: now, Count: len(records), Records: records}, "", "  ")
	if err != nil {
		return "", err
	}
	name := SnapshotName(now)
	cutoff := now.AddDate(0, 0, -s.keepDays)

	var errs []error
	for _, sink := range s.sinks {
		if err := ctx.Err(); err != nil {
			return name, err
		}
		writeErr := sink.Write(ctx, name, data)
		s.metrics.Snapshot(sink.Name(), writeErr)
		if writeErr != nil {
			s.logger.Error("snapshot write failed", zap.String("sink", sink.Name()), zap.String("name", name), zap.Error(writeErr))
			errs = append(errs, fmt.Errorf("%s write: %w", sink.Name(), writeErr))
			continue
		}
		pruned, pruneErr := sink.Prune(ctx, cutoff)
		if pruneErr != nil {
			s.logger.Warn("snapshot prune failed", zap.String("sink", sink.Name()), zap.Error(pruneErr))
			errs = append(errs, fmt.Errorf("%s prune: %w", sink.Name(), pruneErr))
			continue
		}
		s.logger.Info("snapshot written",
			zap.String("sink", sink.Name()),
			zap.String("name", name),
			zap.Int("records", len(records)),
			zap.Int("pruned", pruned),
		)
	}
	return name, errors.Join(errs...)
}

// DirSnapshotSink keeps snapshots as files in a local directory.
type DirSnapshotSink struct {
	Dir string
}

func NewDirSnapshotSink(dir string) *DirSnapshotSink {
	return &DirSnapshotSink{Dir: strings.TrimSpace(dir)}
}

func (d *DirSnapshotSink) Name() string {
	return "dir"
}

func (d *DirSnapshotSink) Write(_ context.Context, name string, data []byte) error {
	if d.Dir == "" {
		return ErrInvalidInput
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return err
	}
	target := filepath.Join(d.Dir, name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

func (d *DirSnapshotSink) Prune(_ context.Context, before time.Time) (int, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	pruned := 0
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		at, ok := parseSnapshotName(entry.Name())
		if !ok || !at.Before(before) {
			continue
		}
		if err := os.Remove(filepath.Join(d.Dir, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		pruned++
	}
	return pruned, errors.Join(errs...)
}

// objectStore is the subset of the S3 client the sink uses.
type objectStore interface {
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
	ListObjectsV2PagesWithContext(ctx aws.Context, input *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, opts ...request.Option) error
	DeleteObjectWithContext(ctx aws.Context, input *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error)
}

type S3SinkConfig struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3SnapshotSink uploads snapshots to a bucket under an optional prefix.
type S3SnapshotSink struct {
	client objectStore
	bucket string
	prefix string
}

func NewS3SnapshotSink(cfg S3SinkConfig) (*S3SnapshotSink, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidInput)
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	awsCfg := &aws.Config{Region: aws.String(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		awsCfg.Endpoint = aws.String(endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create s3 session: %w", err)
	}
	return newS3SnapshotSink(s3.New(sess), cfg.Bucket, cfg.Prefix), nil
}

func newS3SnapshotSink(client objectStore, bucket, prefix string) *S3SnapshotSink {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3SnapshotSink{client: client, bucket: strings.TrimSpace(bucket), prefix: prefix}
}

func (s *S3SnapshotSink) Name() string {
	return "s3"
}

func (s *S3SnapshotSink) Write(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.prefix + name),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}

func (s *S3SnapshotSink) Prune(ctx context.Context, before time.Time) (int, error) {
	var stale []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + snapshotPrefix),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			at, ok := parseSnapshotName(key)
			if !ok {
				continue
			}
			if at.Before(before) {
				stale = append(stale, key)
			}
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	pruned := 0
	var errs []error
	for _, key := range stale {
		if _, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err != nil {
			errs = append(errs, err)
			continue
		}
		pruned++
	}
	return pruned, errors.Join(errs...)
}
