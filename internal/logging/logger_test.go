package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(&buf, Options{LogLevel: "warn", LogJSON: true})
	require.NoError(t, err)
	defer closer.Close()

	logger.Info().Msg("hidden")
	logger.Warn().Str("fsid", "1").Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"fsid":"1"`)
	assert.Contains(t, buf.String(), `"message":"shown"`)
}

func TestNewLogFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "unarc.log")

	var buf bytes.Buffer
	logger, closer, err := New(&buf, Options{LogLevel: "debug", LogNoColor: true, LogFile: file})
	require.NoError(t, err)
	logger.Debug().Msg("to both")
	require.NoError(t, closer.Close())

	assert.Contains(t, buf.String(), "to both")
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"to both"`)
}

func TestNewInvalidLevel(t *testing.T) {
	_, _, err := New(&bytes.Buffer{}, Options{LogLevel: "loud"})
	assert.Error(t, err)
}
