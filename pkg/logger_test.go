package pkg

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{
			name: "default config",
			cfg:  nil,
		},
		{
			name: "console format to stderr",
			cfg: &Config{
				Level:   "debug",
				Format:  "console",
				Console: ConsoleConfig{Enable: true, Output: "stderr"},
			},
		},
		{
			name: "no output",
			cfg:  &Config{Level: "warn", Format: "json"},
		},
		{
			name:    "invalid level",
			cfg:     &Config{Level: "invalid", Format: "json"},
			wantErr: true,
		},
		{
			name:    "invalid format",
			cfg:     &Config{Level: "info", Format: "xml"},
			wantErr: true,
		},
		{
			name: "file output without path",
			cfg: &Config{
				Level: "info",
				File:  FileConfig{Enable: true},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
			assert.NoError(t, logger.Close())
		})
	}
}

func newBufferLogger(t *testing.T, level string) (*Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	logger, err := New(&Config{Level: level, Format: "json", Writer: buf})
	require.NoError(t, err)
	return logger, buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		entry := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestLoggerWithFields(t *testing.T) {
	logger, buf := newBufferLogger(t, "debug")

	child := logger.WithFields(Fields{"component": "routing"})
	child.Info().Str("contact", "abcd").Msg("contact added")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "routing", entries[0]["component"])
	assert.Equal(t, "abcd", entries[0]["contact"])
	assert.Equal(t, "contact added", entries[0]["message"])

	assert.Equal(t, Fields{"component": "routing"}, child.Fields())
	assert.Empty(t, logger.Fields(), "parent must not see child fields")
}

func TestLoggerWithError(t *testing.T) {
	logger, buf := newBufferLogger(t, "info")

	assert.Same(t, logger, logger.WithError(nil))

	logger.WithError(errors.New("boom")).Warn().Msg("failed")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0]["error"])
	assert.Equal(t, "*errors.errorString", entries[0]["error_type"])
}

func TestLoggerConcurrent(t *testing.T) {
	logger, err := New(&Config{Level: "info"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			logger.WithFields(Fields{"goroutine": id}).Info().Msg("concurrent log")
		}(i)
	}
	wg.Wait()
}

func TestNopLogger(t *testing.T) {
	logger := NewNop()
	assert.NotPanics(t, func() {
		logger.WithFields(Fields{"k": "v"}).Error().Msg("dropped")
	})
	assert.NoError(t, logger.Close())
}

func TestFileOutput(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "nested", "test.log")

	logger, err := New(&Config{
		Level:  "info",
		Format: "json",
		File: FileConfig{
			Enable:     true,
			Path:       logFile,
			MaxSize:    1,
			MaxAge:     7,
			MaxBackups: 3,
		},
	})
	require.NoError(t, err)

	logger.Info().Msg("test message")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err, "log file should exist")
	assert.Contains(t, string(data), "test message")
}

func TestAsyncWriteFlushesOnClose(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "async.log")

	logger, err := New(&Config{
		Level:      "info",
		Format:     "json",
		AsyncWrite: true,
		BufferSize: 100,
		File:       FileConfig{Enable: true, Path: logFile, MaxSize: 1},
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		logger.Info().Int("n", i).Msg("async")
	}
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, 10, strings.Count(string(data), `"message":"async"`))
}
