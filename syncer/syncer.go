package syncer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "bookflow/config"
	"bookflow/logger"
	"bookflow/models"
)

// s3API is the slice of the S3 client the syncer needs.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type pendingFile struct {
	path string
	key  string
}

// Syncer uploads committed files to S3 and deletes local files that are both
// old enough and already uploaded. Failed uploads stay queued and are retried
// every cycle.
type Syncer struct {
	cfg      appconfig.StorageConfig
	dataDir  string
	interval time.Duration
	client   s3API
	onSync   func(file, status string)

	mu      sync.Mutex
	pending []pendingFile
	synced  map[string]bool
	running bool

	wg   sync.WaitGroup
	ctx  context.Context
	stop chan struct{}
	log  *logger.Log
}

// New builds a syncer with an S3 client from the storage config. onSync may
// be nil; it receives ("file", "uploaded"/"failed") per attempt.
func New(cfg appconfig.StorageConfig, dataDir string, interval time.Duration,
	onSync func(file, status string)) (*Syncer, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3.Region)}
	if cfg.S3.AccessKeyID != "" && cfg.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		}
		o.UsePathStyle = cfg.S3.PathStyle
	})
	return newWithClient(cfg, dataDir, interval, client, onSync), nil
}

func newWithClient(cfg appconfig.StorageConfig, dataDir string, interval time.Duration,
	client s3API, onSync func(file, status string)) *Syncer {
	return &Syncer{
		cfg:      cfg,
		dataDir:  dataDir,
		interval: interval,
		client:   client,
		onSync:   onSync,
		synced:   make(map[string]bool),
		stop:     make(chan struct{}),
		log:      logger.GetLogger(),
	}
}

// Enqueue queues one committed file for upload.
func (s *Syncer) Enqueue(result models.FlushResult) {
	item := pendingFile{path: result.Path, key: s.s3Key(result)}
	s.mu.Lock()
	s.pending = append(s.pending, item)
	s.mu.Unlock()
}

// s3Key lays files out as prefix/kind/symbol/YYYYMMDD/name.
func (s *Syncer) s3Key(result models.FlushResult) string {
	day := result.TimeStart
	if day.IsZero() {
		day = time.Now().UTC()
	}
	return path.Join(s.cfg.S3.Prefix, string(result.Kind), result.Symbol,
		day.UTC().Format("20060102"), filepath.Base(result.Path))
}

// Start launches the periodic sync loop.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("syncer already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()

	s.log.WithComponent("syncer").WithFields(logger.Fields{
		"bucket":       s.cfg.S3.Bucket,
		"interval":     s.interval.String(),
		"cleanup_days": s.cfg.CleanupDays,
	}).Info("syncer started")
	return nil
}

// Stop ends the loop after a final upload pass so files committed during
// shutdown still reach storage.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
	s.syncPending()
	s.log.WithComponent("syncer").Info("syncer stopped")
}

func (s *Syncer) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.syncPending()
			s.cleanupOldFiles()
		}
	}
}

// syncPending drains the queue; failures are re-queued for the next cycle.
func (s *Syncer) syncPending() {
	s.mu.Lock()
	queue := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, item := range queue {
		if _, err := os.Stat(item.path); err != nil {
			// Vanished locally; nothing left to upload.
			continue
		}
		if err := s.uploadFile(item); err != nil {
			s.log.WithComponent("syncer").WithError(err).WithFields(logger.Fields{
				"file": item.path,
			}).Error("upload failed, re-queued")
			s.mu.Lock()
			s.pending = append(s.pending, item)
			s.mu.Unlock()
			s.emitSync(item.path, "failed")
			continue
		}
		s.mu.Lock()
		s.synced[item.path] = true
		s.mu.Unlock()
		s.emitSync(item.path, "uploaded")
	}
}

func (s *Syncer) uploadFile(item pendingFile) error {
	file, err := os.Open(item.path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}

	ctx := context.Background()
	if s.ctx != nil {
		ctx = context.WithoutCancel(s.ctx)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.S3.Bucket),
		Key:    aws.String(item.key),
		Body:   file,
	})
	if err != nil {
		return err
	}

	logger.IncrementUpload(info.Size())
	s.log.WithComponent("syncer").WithFields(logger.Fields{
		"file":   filepath.Base(item.path),
		"s3_key": item.key,
		"bytes":  info.Size(),
	}).Info("file uploaded")
	return nil
}

// cleanupOldFiles removes local parquet files older than cleanup_days that
// were uploaded. Unsynced files are never deleted.
func (s *Syncer) cleanupOldFiles() {
	if s.cfg.CleanupDays <= 0 {
		return
	}
	entries, err := filepath.Glob(filepath.Join(s.dataDir, "*.parquet"))
	if err != nil {
		return
	}

	now := time.Now()
	files := make([]FileInfo, 0, len(entries))
	for _, p := range entries {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		s.mu.Lock()
		uploaded := s.synced[p]
		s.mu.Unlock()
		files = append(files, FileInfo{
			Path:    p,
			AgeDays: now.Sub(info.ModTime()).Hours() / 24,
			Synced:  uploaded,
		})
	}

	for _, p := range FilesToDelete(files, s.cfg.CleanupDays) {
		if err := os.Remove(p); err != nil {
			s.log.WithComponent("syncer").WithError(err).WithFields(logger.Fields{"file": p}).Error("cleanup failed")
			continue
		}
		s.mu.Lock()
		delete(s.synced, p)
		s.mu.Unlock()
		s.log.WithComponent("syncer").WithFields(logger.Fields{"file": p}).Info("old file removed")
	}
}

func (s *Syncer) emitSync(file, status string) {
	if s.onSync != nil {
		s.onSync(file, status)
	}
}

// FileInfo describes a local file for the deletion decision.
type FileInfo struct {
	Path    string
	AgeDays float64
	Synced  bool
}

// FilesToDelete returns the paths old enough and already synced.
func FilesToDelete(files []FileInfo, cleanupDays int) []string {
	var out []string
	for _, f := range files {
		if f.Synced && f.AgeDays >= float64(cleanupDays) {
			out = append(out, f.Path)
		}
	}
	return out
}
