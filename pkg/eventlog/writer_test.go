package eventlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mas/pkg/proto"
)

func testEntry(at time.Time, event Event) Entry {
	msg := proto.NewMessage(proto.KindEvent, "agent-a", "agent-b")
	msg.ID = "msg-000001"
	msg.CorrelationID = "corr-000001"
	return Entry{At: at, Event: event, Message: msg}
}

func TestAppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 7)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, w.Append(testEntry(at, EventEnqueued)))
	require.NoError(t, w.Append(testEntry(at.Add(time.Second), EventDelivered)))

	entries, err := ReadEntries(w.CurrentLogFile())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EventEnqueued, entries[0].Event)
	assert.Equal(t, EventDelivered, entries[1].Event)
	assert.Equal(t, "msg-000001", entries[0].Message.ID)
}

func TestRotationFollowsEntryDate(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 7)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	day1 := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Hour)
	require.NoError(t, w.Append(testEntry(day1, EventEnqueued)))
	require.NoError(t, w.Append(testEntry(day2, EventEnqueued)))

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "messages-2025-06-01.jsonl", filepath.Base(files[0]))
	assert.Equal(t, "messages-2025-06-02.jsonl", filepath.Base(files[1]))
}

func TestPruneDropsExpiredFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 2)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	start := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	for day := 0; day < 5; day++ {
		require.NoError(t, w.Append(testEntry(start.AddDate(0, 0, day), EventEnqueued)))
	}

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 3, "only the retention window survives")
	assert.Equal(t, "messages-2025-06-03.jsonl", filepath.Base(files[0]))
	assert.Equal(t, "messages-2025-06-05.jsonl", filepath.Base(files[2]))
}

func TestRecentLimitsFromTheEnd(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 7)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Append(testEntry(at.Add(time.Duration(i)*time.Second), EventEnqueued)))
	}

	entries, err := w.Recent(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, at.Add(4*time.Second).Unix(), entries[1].At.Unix())
}

func TestRecentBeforeFirstAppend(t *testing.T) {
	w, err := NewWriter(t.TempDir(), 7)
	require.NoError(t, err)
	entries, err := w.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
