package app

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := selfContainedConfig()
	cfg.Mode = "batch"

	a := New(cfg, slog.New(slog.DiscardHandler))
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported mode "batch"`)
}

func TestCloseRunsInReverseOnce(t *testing.T) {
	a := New(selfContainedConfig(), slog.New(slog.DiscardHandler))
	var order []int
	a.onClose(func() { order = append(order, 1) })
	a.onClose(func() { order = append(order, 2) })

	a.Close()
	a.Close()
	assert.Equal(t, []int{2, 1}, order)
}

func TestArchiveModeNeedsBucket(t *testing.T) {
	cfg := selfContainedConfig()
	cfg.Mode = "archive"

	a := New(cfg, slog.New(slog.DiscardHandler))
	defer a.Close()
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3.bucket is not configured")
}
