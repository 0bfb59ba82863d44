// Package maintenance takes periodic database snapshots. Each snapshot is a
// gzip'd JSON file in the backup directory; old snapshots are pruned and new
// ones are optionally uploaded to S3.
package maintenance

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

const (
	filePrefix = "streamrestore-"
	fileSuffix = ".json.gz"
	timeLayout = "20060102-150405"
)

// Source is the read side of a database.
type Source interface {
	Keys() []string
	Get(key string) ([]byte, bool)
}

// Uploader is the part of *s3.Client used to ship snapshots off the box.
type Uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Options selects the bucket snapshots are uploaded to.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
	PathStyle bool
}

// NewS3Uploader builds an S3 client from the default credential chain.
func NewS3Uploader(ctx context.Context, opts S3Options) (*s3.Client, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.PathStyle {
			o.UsePathStyle = true
		}
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	}), nil
}

// Snapshot is the decoded content of a backup file. Values marshal as
// base64.
type Snapshot struct {
	Created   time.Time                    `json:"created"`
	Databases map[string]map[string][]byte `json:"databases"`
}

// Options configures a Service.
type Options struct {
	Dir      string
	Keep     int
	Interval time.Duration
	Sources  map[string]Source

	// Uploader is nil unless S3.Bucket is set.
	Uploader Uploader
	S3       S3Options

	Logger *zap.SugaredLogger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service manages background snapshots.
type Service struct {
	opts   Options
	logger *zap.SugaredLogger

	// mu serializes snapshots.
	mu sync.Mutex
}

// New creates a new maintenance Service.
func New(opts Options) *Service {
	if opts.Keep < 1 {
		opts.Keep = 1
	}
	if opts.Interval <= 0 {
		opts.Interval = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Service{opts: opts, logger: opts.Logger.Named("maintenance")}
}

// Start takes a snapshot every interval. Blocks until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			path, err := s.RunBackupNow(ctx)
			if err != nil {
				s.logger.Errorw("backup failed", "error", err)
			} else {
				s.logger.Infow("backup created", "file", path)
			}
		}
	}
}

// RunBackupNow writes a snapshot immediately and returns its path. The
// upload, when configured, is part of the backup: a failed upload fails the
// call but leaves the local file in place.
func (s *Service) RunBackupNow(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	data, err := encode(snap)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.opts.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	name := filePrefix + snap.Created.UTC().Format(timeLayout) + fileSuffix
	path := filepath.Join(s.opts.Dir, name)
	if err := writeFile(path, data); err != nil {
		return "", err
	}

	s.prune()

	if s.opts.Uploader != nil && s.opts.S3.Bucket != "" {
		key := s.opts.S3.Prefix + name
		_, err := s.opts.Uploader.PutObject(ctx, &s3.PutObjectInput{
			Bucket:          aws.String(s.opts.S3.Bucket),
			Key:             aws.String(key),
			Body:            bytes.NewReader(data),
			ContentType:     aws.String("application/json"),
			ContentEncoding: aws.String("gzip"),
		})
		if err != nil {
			return path, fmt.Errorf("upload %s to s3://%s: %w", key, s.opts.S3.Bucket, err)
		}
		s.logger.Debugw("uploaded backup", "bucket", s.opts.S3.Bucket, "key", key)
	}
	return path, nil
}

func (s *Service) snapshot() Snapshot {
	snap := Snapshot{
		Created:   s.opts.Now(),
		Databases: make(map[string]map[string][]byte, len(s.opts.Sources)),
	}
	for name, src := range s.opts.Sources {
		values := make(map[string][]byte)
		for _, key := range src.Keys() {
			if v, ok := src.Get(key); ok {
				values[key] = v
			}
		}
		snap.Databases[name] = values
	}
	return snap
}

func encode(snap Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(snap); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// writeFile replaces path atomically.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".backup-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write backup: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close backup: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename backup: %w", err)
	}
	return nil
}

// ReadSnapshot decodes a backup file.
func ReadSnapshot(path string) (Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return Snapshot{}, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return Snapshot{}, fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()
	var snap Snapshot
	if err := json.NewDecoder(zr).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return snap, nil
}

// ListBackups returns the backup files in dir, oldest first.
func ListBackups(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	files := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), filePrefix) && strings.HasSuffix(e.Name(), fileSuffix) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	// The timestamp in the name sorts chronologically.
	sort.Strings(files)
	return files, nil
}

// ListBackups returns the service's backup files, oldest first.
func (s *Service) ListBackups() ([]string, error) {
	return ListBackups(s.opts.Dir)
}

// prune deletes all but the newest Keep backups.
func (s *Service) prune() {
	files, err := ListBackups(s.opts.Dir)
	if err != nil || len(files) <= s.opts.Keep {
		return
	}
	for _, path := range files[:len(files)-s.opts.Keep] {
		if err := os.Remove(path); err != nil {
			s.logger.Warnw("failed to prune old backup", "file", path, "error", err)
		} else {
			s.logger.Infow("pruned old backup", "file", path)
		}
	}
}

// Target is the write side of a database.
type Target interface {
	Set(key string, value []byte, overwrite bool) error
	Clear() error
	Sync() error
}

// Restore replaces the content of every target named in snap. Targets the
// snapshot does not mention are left alone.
func Restore(snap Snapshot, targets map[string]Target) error {
	for name, values := range snap.Databases {
		db, ok := targets[name]
		if !ok {
			continue
		}
		if err := db.Clear(); err != nil {
			return fmt.Errorf("clear %s: %w", name, err)
		}
		for key, value := range values {
			if err := db.Set(key, value, true); err != nil {
				return fmt.Errorf("restore %s/%s: %w", name, key, err)
			}
		}
		if err := db.Sync(); err != nil {
			return fmt.Errorf("sync %s: %w", name, err)
		}
	}
	return nil
}
