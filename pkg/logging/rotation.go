package logging

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	dbpferrors "github.com/objectfs/dbpf/pkg/errors"
)

// RotationConfig controls size/age-based log file rotation.
type RotationConfig struct {
	// Filename is the file to write logs to.
	Filename string

	// MaxSize is the maximum size in megabytes before rotation (0 = no
	// size limit).
	MaxSize int64

	// MaxAge is the maximum age in days before rotation (0 = no age
	// limit).
	MaxAge int

	// MaxBackups is the maximum number of old log files to retain (0 =
	// retain all).
	MaxBackups int

	// Compress gzips rotated log files.
	Compress bool

	// LocalTime formats backup timestamps in local time instead of UTC.
	LocalTime bool
}

// RotationStats reports how many times a Rotator has rotated and how
// many backup-cleanup failures it has swallowed, so an operator can wire
// it into the engine's metrics collector without parsing log output.
type RotationStats struct {
	Rotations      int64
	CleanupErrors  int64
	CompressErrors int64
}

// Rotator is an io.Writer that rotates its backing file by size or age.
// logging.New builds one when Config.Rotation is set; rotation only ever
// touches Filename and its own family of backup files.
type Rotator struct {
	mu sync.Mutex

	config   *RotationConfig
	file     *os.File
	size     int64
	openTime time.Time

	rotations      int64
	cleanupErrors  int64
	compressErrors int64
}

// NewRotator creates a Rotator and opens its initial log file.
func NewRotator(config *RotationConfig) (*Rotator, error) {
	if config == nil {
		return nil, dbpferrors.New(dbpferrors.Invalid, "rotation config is required").WithComponent("logging")
	}
	if config.Filename == "" {
		return nil, dbpferrors.New(dbpferrors.Invalid, "filename is required").WithComponent("logging")
	}

	r := &Rotator{config: config}
	if err := r.openFile(); err != nil {
		return nil, err
	}
	return r, nil
}

// Write implements io.Writer, rotating first if the write would exceed
// the size or age threshold.
func (r *Rotator) Write(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	writeLen := int64(len(p))

	if r.shouldRotate(writeLen) {
		if err := r.rotate(); err != nil {
			return 0, dbpferrors.Wrap(dbpferrors.IoError, err, "rotate log").WithComponent("logging").WithOperation("Write")
		}
	}

	n, err = r.file.Write(p)
	r.size += int64(n)
	if err != nil {
		return n, dbpferrors.Wrap(dbpferrors.IoError, err, "write log").WithComponent("logging").WithOperation("Write")
	}
	return n, nil
}

// Close closes the current log file.
func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		if err != nil {
			return dbpferrors.Wrap(dbpferrors.IoError, err, "close log file").WithComponent("logging")
		}
		return nil
	}
	return nil
}

// Sync flushes the current log file to stable storage.
func (r *Rotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		if err := r.file.Sync(); err != nil {
			return dbpferrors.Wrap(dbpferrors.IoError, err, "sync log file").WithComponent("logging")
		}
	}
	return nil
}

// Stats reports cumulative rotation activity.
func (r *Rotator) Stats() RotationStats {
	return RotationStats{
		Rotations:      atomic.LoadInt64(&r.rotations),
		CleanupErrors:  atomic.LoadInt64(&r.cleanupErrors),
		CompressErrors: atomic.LoadInt64(&r.compressErrors),
	}
}

func (r *Rotator) shouldRotate(writeSize int64) bool {
	if r.config.MaxSize > 0 {
		maxBytes := r.config.MaxSize * 1024 * 1024
		if r.size+writeSize >= maxBytes {
			return true
		}
	}

	if r.config.MaxAge > 0 {
		age := time.Since(r.openTime)
		maxAge := time.Duration(r.config.MaxAge) * 24 * time.Hour
		if age >= maxAge {
			return true
		}
	}

	return false
}

func (r *Rotator) rotate() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return dbpferrors.Wrap(dbpferrors.IoError, err, "close current log file").WithComponent("logging")
		}
		r.file = nil
	}

	timestamp := r.backupTimestamp()
	backupName := r.backupFilename(timestamp)

	if err := os.Rename(r.config.Filename, backupName); err != nil {
		if !os.IsNotExist(err) {
			return dbpferrors.Wrap(dbpferrors.IoError, err, "rename log file").WithComponent("logging")
		}
	}
	atomic.AddInt64(&r.rotations, 1)

	if r.config.Compress {
		if err := r.compressFile(backupName); err != nil {
			atomic.AddInt64(&r.compressErrors, 1)
		}
	}

	if err := r.cleanupOldBackups(); err != nil {
		atomic.AddInt64(&r.cleanupErrors, 1)
	}

	return r.openFile()
}

func (r *Rotator) openFile() error {
	dir := filepath.Dir(r.config.Filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dbpferrors.Wrap(dbpferrors.IoError, err, "create log directory").WithComponent("logging")
	}

	file, err := os.OpenFile(r.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return dbpferrors.Wrap(dbpferrors.IoError, err, "open log file").WithComponent("logging")
	}

	r.file = file
	r.openTime = time.Now()

	info, err := file.Stat()
	if err != nil {
		return dbpferrors.Wrap(dbpferrors.IoError, err, "stat log file").WithComponent("logging")
	}
	r.size = info.Size()

	return nil
}

func (r *Rotator) backupTimestamp() time.Time {
	if r.config.LocalTime {
		return time.Now()
	}
	return time.Now().UTC()
}

func (r *Rotator) backupFilename(timestamp time.Time) string {
	dir := filepath.Dir(r.config.Filename)
	filename := filepath.Base(r.config.Filename)
	ext := filepath.Ext(filename)
	prefix := filename[0 : len(filename)-len(ext)]

	timestampStr := timestamp.Format("2006-01-02T15-04-05")

	return filepath.Join(dir, prefix+"-"+timestampStr+ext)
}

func (r *Rotator) compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(filename + ".gz")
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	gzipWriter := gzip.NewWriter(dst)
	defer func() { _ = gzipWriter.Close() }()

	if _, err := io.Copy(gzipWriter, src); err != nil {
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	return os.Remove(filename)
}

func (r *Rotator) cleanupOldBackups() error {
	backups, err := r.getBackupFiles()
	if err != nil {
		return err
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].ModTime().Before(backups[j].ModTime())
	})

	var toDelete []string

	if r.config.MaxBackups > 0 && len(backups) > r.config.MaxBackups {
		excess := len(backups) - r.config.MaxBackups
		for i := 0; i < excess; i++ {
			toDelete = append(toDelete, backups[i].Name())
		}
		backups = backups[excess:]
	}

	if r.config.MaxAge > 0 {
		cutoff := time.Now().Add(-time.Duration(r.config.MaxAge) * 24 * time.Hour)
		for _, backup := range backups {
			if backup.ModTime().Before(cutoff) {
				toDelete = append(toDelete, backup.Name())
			}
		}
	}

	var firstErr error
	for _, filename := range toDelete {
		fullPath := filepath.Join(filepath.Dir(r.config.Filename), filename)
		if err := os.Remove(fullPath); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (r *Rotator) getBackupFiles() ([]os.FileInfo, error) {
	dir := filepath.Dir(r.config.Filename)
	filename := filepath.Base(r.config.Filename)
	ext := filepath.Ext(filename)
	prefix := filename[0 : len(filename)-len(ext)]

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var backups []os.FileInfo

	for _, entry := range entries {
		name := entry.Name()
		if name == filename {
			continue
		}
		if strings.HasPrefix(name, prefix+"-") {
			if strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz") {
				info, err := entry.Info()
				if err != nil {
					continue
				}
				backups = append(backups, info)
			}
		}
	}

	return backups, nil
}

// ForceRotate rotates the log file immediately, regardless of size/age
// thresholds.
func (r *Rotator) ForceRotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotate()
}
