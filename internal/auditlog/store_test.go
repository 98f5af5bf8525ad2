package auditlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stepClock() func() time.Time {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		at = at.Add(time.Second)
		return at
	}
}

func TestStore_AppendAndListNewestFirst(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "audit")
	s, err := New(Options{Dir: dir, Clock: stepClock()})
	require.NoError(t, err)

	s.Append(Entry{Action: ActionThreadCreated, ThreadID: "t1"})
	s.Append(Entry{Action: ActionMessageSaved, ThreadID: "t1", MessageID: "m1"})
	s.Append(Entry{Action: ActionMessageFailed, Status: StatusFailure, Error: "boom", MessageID: "m2"})

	got, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ActionMessageFailed, got[0].Action)
	assert.Equal(t, StatusFailure, got[0].Status)
	assert.Equal(t, ActionThreadCreated, got[2].Action)
	assert.Equal(t, StatusSuccess, got[2].Status, "status defaults to success")
	assert.True(t, got[0].CreatedAt.After(got[2].CreatedAt))

	info, err := os.Stat(filepath.Join(dir, activeName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	limited, err := s.List(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStore_RotatesAndKeepsBackups(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(Options{Dir: dir, MaxBytes: 64, MaxBackups: 2, Clock: stepClock()})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		s.Append(Entry{Action: ActionMessageSaved, MessageID: strings.Repeat("x", 40)})
	}

	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	rotated := 0
	for _, e := range ents {
		if strings.HasPrefix(e.Name(), rotatedPrefix) {
			rotated++
		}
	}
	assert.Equal(t, 2, rotated)

	got, err := s.List(100)
	require.NoError(t, err)
	assert.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), 3)
}

func TestStore_SkipsCorruptLinesAndNilStore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(Options{Dir: dir})
	require.NoError(t, err)
	s.Append(Entry{Action: ActionThreadDeleted, ThreadID: "t9"})

	f, err := os.OpenFile(filepath.Join(dir, activeName), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := s.List(10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t9", got[0].ThreadID)

	var nilStore *Store
	nilStore.Append(Entry{Action: ActionThreadCreated})
	entries, err := nilStore.List(10)
	assert.NoError(t, err)
	assert.Nil(t, entries)

	_, err = New(Options{Dir: "  "})
	assert.Error(t, err)
}
