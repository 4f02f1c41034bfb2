package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatorCreatesFile(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	rotator, err := NewRotator(&RotationConfig{Filename: logFile, MaxSize: 1, MaxAge: 7, MaxBackups: 3})
	require.NoError(t, err)
	defer func() { _ = rotator.Close() }()

	_, err = os.Stat(logFile)
	assert.NoError(t, err, "log file was not created")
}

func TestRotatorWrite(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	rotator, err := NewRotator(&RotationConfig{Filename: logFile, MaxSize: 1, MaxAge: 7, MaxBackups: 3})
	require.NoError(t, err)
	defer func() { _ = rotator.Close() }()

	message := "engine started\n"
	n, err := rotator.Write([]byte(message))
	require.NoError(t, err)
	assert.Equal(t, len(message), n)
	require.NoError(t, rotator.Sync())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err, "read log file")
	assert.Equal(t, message, string(content))
}

func TestRotatorSizeBasedRotation(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	rotator, err := NewRotator(&RotationConfig{Filename: logFile, MaxBackups: 3})
	require.NoError(t, err)
	defer func() { _ = rotator.Close() }()

	_, _ = rotator.Write([]byte(strings.Repeat("x", 64)))

	rotator.config.MaxSize = 1
	rotator.size = 2 * 1024 * 1024
	_, _ = rotator.Write([]byte("trigger rotation\n"))

	entries, err := os.ReadDir(tmpDir)
	require.NoError(t, err, "read dir")
	backupFound := false
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "test-") && strings.HasSuffix(entry.Name(), ".log") {
			backupFound = true
		}
	}
	assert.True(t, backupFound, "backup file was not created after size-triggered rotation")
	assert.EqualValues(t, 1, rotator.Stats().Rotations)
}

func TestRotatorForceRotate(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	rotator, err := NewRotator(&RotationConfig{Filename: logFile, MaxSize: 10, MaxBackups: 3})
	require.NoError(t, err)
	defer func() { _ = rotator.Close() }()

	_, _ = rotator.Write([]byte("before rotation\n"))
	_ = rotator.Sync()

	require.NoError(t, rotator.ForceRotate())

	newMessage := "after rotation\n"
	_, _ = rotator.Write([]byte(newMessage))
	_ = rotator.Sync()

	content, err := os.ReadFile(logFile)
	require.NoError(t, err, "read log file")
	assert.Equal(t, newMessage, string(content))
	assert.EqualValues(t, 1, rotator.Stats().Rotations)
}

func TestRotatorCompression(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	rotator, err := NewRotator(&RotationConfig{Filename: logFile, MaxSize: 10, MaxBackups: 3, Compress: true})
	require.NoError(t, err)
	defer func() { _ = rotator.Close() }()

	_, _ = rotator.Write([]byte("compress me\n"))
	_ = rotator.Sync()

	require.NoError(t, rotator.ForceRotate())

	entries, err := os.ReadDir(tmpDir)
	require.NoError(t, err, "read dir")
	compressed := false
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".log.gz") {
			compressed = true
		}
	}
	assert.True(t, compressed, "compressed backup (.log.gz) was not created")
}

func TestRotatorMaxBackups(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	rotator, err := NewRotator(&RotationConfig{Filename: logFile, MaxSize: 10, MaxBackups: 2})
	require.NoError(t, err)
	defer func() { _ = rotator.Close() }()

	for i := 0; i < 5; i++ {
		_, _ = rotator.Write([]byte("entry\n"))
		_ = rotator.Sync()
		_ = rotator.ForceRotate()
		time.Sleep(10 * time.Millisecond)
	}

	entries, err := os.ReadDir(tmpDir)
	require.NoError(t, err, "read dir")
	count := 0
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "test-") && strings.HasSuffix(entry.Name(), ".log") {
			count++
		}
	}
	assert.LessOrEqual(t, count, 2)
	assert.EqualValues(t, 5, rotator.Stats().Rotations)
}

func TestRotatorCreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	logDir := filepath.Join(tmpDir, "logs", "dbpf")
	logFile := filepath.Join(logDir, "test.log")

	rotator, err := NewRotator(&RotationConfig{Filename: logFile, MaxSize: 10, MaxBackups: 3})
	require.NoError(t, err)
	defer func() { _ = rotator.Close() }()

	_, err = os.Stat(logDir)
	assert.NoError(t, err, "log directory was not created")
}

func TestRotatorCloseRejectsFurtherWrites(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	rotator, err := NewRotator(&RotationConfig{Filename: logFile, MaxSize: 10, MaxBackups: 3})
	require.NoError(t, err)

	_, _ = rotator.Write([]byte("entry\n"))
	require.NoError(t, rotator.Close())

	_, err = rotator.Write([]byte("should fail\n"))
	assert.Error(t, err, "expected write after close to fail")
}

func TestRotationConfigValidation(t *testing.T) {
	_, err := NewRotator(nil)
	assert.Error(t, err, "expected error for nil config")

	_, err = NewRotator(&RotationConfig{})
	assert.Error(t, err, "expected error for empty filename")
}

func TestBackupFilename(t *testing.T) {
	rotator := &Rotator{config: &RotationConfig{Filename: "/var/lib/dbpf/log/test.log"}}
	timestamp := time.Date(2023, 10, 15, 14, 30, 45, 0, time.UTC)

	got := rotator.backupFilename(timestamp)
	assert.Equal(t, "/var/lib/dbpf/log/test-2023-10-15T14-30-45.log", got)
}

func TestGetBackupFiles(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	rotator, err := NewRotator(&RotationConfig{Filename: logFile, MaxSize: 10, MaxBackups: 3})
	require.NoError(t, err)
	defer func() { _ = rotator.Close() }()

	for _, name := range []string{
		"test-2023-10-01T10-00-00.log",
		"test-2023-10-02T10-00-00.log",
		"test-2023-10-03T10-00-00.log.gz",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, name), []byte("x"), 0o644), "write backup fixture")
	}

	backups, err := rotator.getBackupFiles()
	require.NoError(t, err)
	assert.Len(t, backups, 3)
}
