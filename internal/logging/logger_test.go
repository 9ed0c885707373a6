package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/confidex/backend/internal/config"
)

func TestRedactsPrivateFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: redact}))

	logger.Info("note created",
		"note_id", "n-1",
		"blinding", "12345",
		slog.Group("inputs", "nullifier_secret", "999", "root", "42"),
		"private_key", []byte{1, 2, 3},
	)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "n-1", entry["note_id"])
	assert.Equal(t, redacted, entry["blinding"])
	assert.Equal(t, redacted, entry["private_key"])

	group, ok := entry["inputs"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, redacted, group["nullifier_secret"])
	assert.Equal(t, "42", group["root"])
	assert.NotContains(t, buf.String(), "12345")
	assert.NotContains(t, buf.String(), "999")
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc", "svc.log")
	logger, closeFn, err := New("svc", config.LogConfig{Level: "debug", Format: "json", Output: "file", FilePath: path})
	require.NoError(t, err)

	logger.Debug("hello", "owner_secret", "s3cret")
	require.NoError(t, closeFn())

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"service":"svc"`)
	assert.Contains(t, string(body), `"owner_secret":"[redacted]"`)
	assert.NotContains(t, string(body), "s3cret")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, _, err := New("svc", config.LogConfig{Level: "loud"})
	require.ErrorContains(t, err, "invalid log level")

	_, _, err = New("svc", config.LogConfig{Format: "xml"})
	require.ErrorContains(t, err, "invalid log format")

	_, _, err = New("svc", config.LogConfig{Output: "syslog"})
	require.ErrorContains(t, err, "invalid log output")
}
