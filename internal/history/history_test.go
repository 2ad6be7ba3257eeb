package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, dir
}

func TestRecordAndRecent(t *testing.T) {
	j, _ := openTestJournal(t)

	entries := []Entry{
		{EntryID: "E0001", WorkID: "aaaa111111", Provider: "Internet Archive", SourceID: "dracula00stok", Title: "Dracula", Files: 3, Bytes: 2048, Status: "completed"},
		{EntryID: "E0002", WorkID: "bbbb222222", Provider: "Gallica", Title: "Les Misérables", Status: "failed"},
		{EntryID: "E0003", WorkID: "cccc333333", Provider: "Anna's Archive", Title: "Frankenstein", Files: 1, Bytes: 512, Status: "completed"},
	}
	for _, e := range entries {
		require.NoError(t, j.Record(e))
	}

	recent, err := j.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "E0003", recent[0].EntryID)
	assert.Equal(t, "E0002", recent[1].EntryID)
	assert.Equal(t, int64(512), recent[0].Bytes)
	assert.Equal(t, 1, recent[0].Files)
	assert.False(t, recent[0].CreatedAt.IsZero())
}

func TestRecentDefaultsLimit(t *testing.T) {
	j, _ := openTestJournal(t)
	require.NoError(t, j.Record(Entry{EntryID: "E0001", WorkID: "w", Status: "completed"}))

	recent, err := j.Recent(0)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestByEntryFiltersAndOrders(t *testing.T) {
	j, _ := openTestJournal(t)

	require.NoError(t, j.Record(Entry{EntryID: "E0001", WorkID: "w1", Status: "deferred"}))
	require.NoError(t, j.Record(Entry{EntryID: "E0002", WorkID: "w2", Status: "completed"}))
	require.NoError(t, j.Record(Entry{EntryID: "E0001", WorkID: "w1", Status: "completed"}))

	got, err := j.ByEntry("E0001")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "deferred", got[0].Status)
	assert.Equal(t, "completed", got[1].Status)

	none, err := j.ByEntry("E9999")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestJournalPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)

	stamp := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, j.Record(Entry{EntryID: "E0001", WorkID: "w1", Status: "completed", CreatedAt: stamp}))
	require.NoError(t, j.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Recent(10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "E0001", got[0].EntryID)
	assert.True(t, got[0].CreatedAt.Equal(stamp))

	_, err = filepath.Glob(filepath.Join(dir, FileName))
	require.NoError(t, err)
}
