package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.transitwatch.dev/core/internal/logging"
)

func TestNewDefaults(t *testing.T) {
	log, err := logging.New(logging.Options{})
	require.NoError(t, err)
	assert.NotNil(t, log)
}

func TestNewInvalidLevel(t *testing.T) {
	_, err := logging.New(logging.Options{Level: "not-a-level"})
	assert.Error(t, err)
}

func TestNewConsoleFormat(t *testing.T) {
	log, err := logging.New(logging.Options{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, log)
}
