package registry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/crankbird/crank-platform/pkg/log"
)

// EntryKind names a journal mutation.
type EntryKind string

const (
	EntryRegistered   EntryKind = "REGISTERED"
	EntryHeartbeat    EntryKind = "HEARTBEAT"
	EntryDeregistered EntryKind = "DEREGISTERED"
)

// Entry is one line of the append-only journal. Payload is the
// kind-specific body, kept raw so unknown fields survive replay.
type Entry struct {
	Seq     uint64          `json:"seq"`
	TS      time.Time       `json:"ts"`
	Kind    EntryKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// heartbeatPayload and deregisterPayload are the bodies of the
// non-registration entry kinds. REGISTERED entries carry the full
// types.RegisterRequest verbatim.
type heartbeatPayload struct {
	WorkerID string `json:"worker_id"`
}

type deregisterPayload struct {
	WorkerID string `json:"worker_id"`
}

// Journal is the registry's single-writer append-only JSONL log. Every
// acknowledged mutation is fsynced to it before the in-memory state
// changes; replaying it from the top rebuilds that state exactly.
type Journal struct {
	path      string
	file      *os.File
	size      int64 // end offset of the last acknowledged entry
	seq       atomic.Uint64
	unhealthy atomic.Bool
	logger    zerolog.Logger
}

// OpenJournal opens (creating if needed) the journal at path and scans
// it, invoking apply for every valid entry in order. A corrupt or
// truncated final line is discarded with a warning and the file is
// truncated back to the last valid entry; corruption anywhere else
// fails recovery.
func OpenJournal(path string, apply func(Entry) error) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}

	j := &Journal{
		path:   path,
		file:   file,
		logger: log.WithComponent("journal"),
	}

	validEnd, lastSeq, err := j.replay(apply)
	if err != nil {
		file.Close()
		return nil, err
	}
	j.seq.Store(lastSeq)

	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("seeking journal end: %w", err)
	}
	if validEnd < size {
		if err := file.Truncate(validEnd); err != nil {
			file.Close()
			return nil, fmt.Errorf("truncating torn journal entry: %w", err)
		}
		if _, err := file.Seek(validEnd, io.SeekStart); err != nil {
			file.Close()
			return nil, fmt.Errorf("seeking journal end: %w", err)
		}
	}
	j.size = validEnd

	return j, nil
}

// replay scans the journal from the start. It returns the byte offset
// just past the last valid entry and that entry's sequence number.
func (j *Journal) replay(apply func(Entry) error) (int64, uint64, error) {
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return 0, 0, fmt.Errorf("seeking journal start: %w", err)
	}

	reader := bufio.NewReaderSize(j.file, 256*1024)
	var (
		pos       int64
		validEnd  int64
		lastSeq   uint64
		pendingAt int64 = -1
	)

	for {
		line, err := reader.ReadBytes('\n')
		lineStart := pos
		pos += int64(len(line))
		complete := err == nil

		if len(bytes.TrimSpace(line)) > 0 {
			if pendingAt >= 0 {
				// The bad line was not the last one. Refusing to skip
				// interior corruption keeps replayed state trustworthy.
				return 0, 0, fmt.Errorf("corrupt journal entry at offset %d in %s", pendingAt, j.path)
			}
			var entry Entry
			if uerr := json.Unmarshal(line, &entry); uerr != nil || !complete {
				pendingAt = lineStart
			} else {
				if aerr := apply(entry); aerr != nil {
					return 0, 0, fmt.Errorf("replaying journal entry seq %d: %w", entry.Seq, aerr)
				}
				lastSeq = entry.Seq
				validEnd = pos
			}
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, fmt.Errorf("reading journal: %w", err)
		}
	}

	if pendingAt >= 0 {
		j.logger.Warn().
			Str("path", j.path).
			Int64("offset", pendingAt).
			Msg("Discarding torn trailing journal entry")
	}

	return validEnd, lastSeq, nil
}

// Append writes one entry and fsyncs before returning. Callers must
// serialize appends; the registry does so under its mutation lock.
func (j *Journal) Append(kind EntryKind, ts time.Time, payload any) (Entry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		j.unhealthy.Store(true)
		return Entry{}, fmt.Errorf("encoding %s payload: %w", kind, err)
	}

	entry := Entry{
		Seq:     j.seq.Load() + 1,
		TS:      ts,
		Kind:    kind,
		Payload: data,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		j.unhealthy.Store(true)
		return Entry{}, fmt.Errorf("encoding %s entry: %w", kind, err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		j.unhealthy.Store(true)
		j.rewind()
		return Entry{}, fmt.Errorf("writing %s entry: %w", kind, err)
	}
	// The entry is only acknowledged once it is on disk.
	if err := j.file.Sync(); err != nil {
		j.unhealthy.Store(true)
		j.rewind()
		return Entry{}, fmt.Errorf("syncing %s entry: %w", kind, err)
	}

	j.size += int64(len(line))
	j.seq.Store(entry.Seq)
	j.unhealthy.Store(false)
	return entry, nil
}

// rewind drops the bytes of a failed append so the next entry starts on
// a clean line boundary. Without it a short write would leave torn
// bytes mid-file that a later append turns into interior corruption,
// which replay refuses to recover from.
func (j *Journal) rewind() {
	if err := j.file.Truncate(j.size); err != nil {
		j.logger.Error().Err(err).Int64("offset", j.size).Msg("Cannot truncate torn journal write")
		return
	}
	if _, err := j.file.Seek(j.size, io.SeekStart); err != nil {
		j.logger.Error().Err(err).Int64("offset", j.size).Msg("Cannot seek past truncated journal write")
	}
}

// Healthy reports whether the last append attempt succeeded.
func (j *Journal) Healthy() bool {
	return !j.unhealthy.Load()
}

// Seq returns the sequence number of the last durable entry.
func (j *Journal) Seq() uint64 {
	return j.seq.Load()
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the journal file.
func (j *Journal) Close() error {
	return j.file.Close()
}
