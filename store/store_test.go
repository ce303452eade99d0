package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndListSessions(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "galaxy.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.SaveSession(ctx, "sess-1", "first request", "completed", []byte(`{"status":"completed"}`)))
	require.NoError(t, s.SaveSession(ctx, "sess-2", "second request", "failed", []byte(`{"status":"failed"}`)))

	rows, err := s.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Newest first.
	assert.Equal(t, "sess-2", rows[0].SessionID)
	assert.Equal(t, "failed", rows[0].Status)
	assert.Equal(t, "sess-1", rows[1].SessionID)
	assert.JSONEq(t, `{"status":"completed"}`, string(rows[1].Summary))
	assert.False(t, rows[1].CreatedAt.IsZero())
}

func TestListLimitDefaults(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "galaxy.db"))
	require.NoError(t, err)
	defer s.Close()

	rows, err := s.ListSessions(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)
}
