package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"paidinbox/pkg/config"
)

func TestOpenRejectsFileFallbackUnderStrictMode(t *testing.T) {
	cfg := &config.Config{}
	cfg.Persistence.Backend = "file"
	cfg.Persistence.Strict = true
	cfg.Persistence.DBPath = filepath.Join(t.TempDir(), "x.json")

	_, err := Open(context.Background(), cfg)
	require.Error(t, err)
}

func TestOpenEmbeddedBacksOntoSQLiteFile(t *testing.T) {
	cfg := &config.Config{}
	cfg.Persistence.Backend = "sqlite"
	cfg.Persistence.DBPath = filepath.Join(t.TempDir(), "paidinbox.db")

	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	stats, err := s.JobStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.Pending)
}
