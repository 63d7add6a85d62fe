package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestJournalAppendIsDurableBeforeReturn tests that an acknowledged append is on disk
func TestJournalAppendIsDurableBeforeReturn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.jsonl")

	j, err := OpenJournal(path, func(Entry) error { return nil })
	require.NoError(t, err)
	defer j.Close()

	ts := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	entry, err := j.Append(EntryHeartbeat, ts, heartbeatPayload{WorkerID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.Seq)

	// Read through a fresh descriptor: the line is already durable.
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var onDisk Entry
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &onDisk))
	assert.Equal(t, entry.Seq, onDisk.Seq)
	assert.Equal(t, EntryHeartbeat, onDisk.Kind)
	assert.True(t, ts.Equal(onDisk.TS))
}

// TestJournalSequenceMonotonic tests seq assignment across kinds
func TestJournalSequenceMonotonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.jsonl")

	j, err := OpenJournal(path, func(Entry) error { return nil })
	require.NoError(t, err)
	defer j.Close()

	ts := time.Now().UTC()
	for want := uint64(1); want <= 5; want++ {
		entry, err := j.Append(EntryHeartbeat, ts, heartbeatPayload{WorkerID: "w1"})
		require.NoError(t, err)
		assert.Equal(t, want, entry.Seq)
	}
	assert.Equal(t, uint64(5), j.Seq())
}

// TestJournalReplayOrder tests that replay sees entries in append order
func TestJournalReplayOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.jsonl")

	j, err := OpenJournal(path, func(Entry) error { return nil })
	require.NoError(t, err)

	ts := time.Now().UTC()
	_, err = j.Append(EntryRegistered, ts, map[string]string{"worker_id": "w1"})
	require.NoError(t, err)
	_, err = j.Append(EntryHeartbeat, ts, heartbeatPayload{WorkerID: "w1"})
	require.NoError(t, err)
	_, err = j.Append(EntryDeregistered, ts, deregisterPayload{WorkerID: "w1"})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	var kinds []EntryKind
	replayed, err := OpenJournal(path, func(e Entry) error {
		kinds = append(kinds, e.Kind)
		return nil
	})
	require.NoError(t, err)
	defer replayed.Close()

	assert.Equal(t, []EntryKind{EntryRegistered, EntryHeartbeat, EntryDeregistered}, kinds)
	assert.Equal(t, uint64(3), replayed.Seq())
}

// TestJournalRewindDiscardsTornWrite tests that the bytes of a failed
// append are truncated away, so later appends never land mid-line and
// turn a transient write error into unrecoverable interior corruption
func TestJournalRewindDiscardsTornWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.jsonl")

	j, err := OpenJournal(path, func(Entry) error { return nil })
	require.NoError(t, err)

	ts := time.Now().UTC()
	_, err = j.Append(EntryHeartbeat, ts, heartbeatPayload{WorkerID: "w1"})
	require.NoError(t, err)

	// A short write leaves a partial line with no trailing newline.
	_, err = j.file.Write([]byte(`{"seq":2,"ts":"2026-0`))
	require.NoError(t, err)
	j.rewind()

	_, err = j.Append(EntryDeregistered, ts, deregisterPayload{WorkerID: "w1"})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	var kinds []EntryKind
	replayed, err := OpenJournal(path, func(e Entry) error {
		kinds = append(kinds, e.Kind)
		return nil
	})
	require.NoError(t, err)
	defer replayed.Close()

	assert.Equal(t, []EntryKind{EntryHeartbeat, EntryDeregistered}, kinds)
	assert.Equal(t, uint64(2), replayed.Seq())
}

// TestJournalSkipsBlankLines tests tolerance of blank separator lines
func TestJournalSkipsBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.jsonl")
	content := `{"seq":1,"ts":"2026-08-24T10:00:00Z","kind":"HEARTBEAT","payload":{"worker_id":"w1"}}` + "\n\n" +
		`{"seq":2,"ts":"2026-08-24T10:00:20Z","kind":"HEARTBEAT","payload":{"worker_id":"w1"}}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	var count int
	j, err := OpenJournal(path, func(Entry) error {
		count++
		return nil
	})
	require.NoError(t, err)
	defer j.Close()

	assert.Equal(t, 2, count)
	assert.Equal(t, uint64(2), j.Seq())
}

// TestJournalCreatesParentDirectory tests default state directory creation
func TestJournalCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "controller", "registry.jsonl")

	j, err := OpenJournal(path, func(Entry) error { return nil })
	require.NoError(t, err)
	defer j.Close()

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
