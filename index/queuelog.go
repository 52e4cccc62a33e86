package index

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// The queue log is the redo record of the volatile segment: one line per
// buffered operation, synced on append. After a crash, replaying it against
// the authoritative store reconstructs the buffered documents that never
// reached a persistent segment. A successful flush deletes the file.
const queueLogName = "queue.log"

const (
	queueOpAdd    = "ADD"
	queueOpRemove = "REMOVE"
)

type queueEntry struct {
	Op string
	ID string
}

type queueLog struct {
	path string
	file *os.File // nil while no operations are pending
}

// newQueueLog names the log; the file itself is created on first append,
// so an index with nothing buffered has no log file at all.
func newQueueLog(dir string) *queueLog {
	return &queueLog{path: filepath.Join(dir, queueLogName)}
}

// Append records one operation and syncs it to disk.
func (q *queueLog) Append(op, id string) error {
	if q.file == nil {
		f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open queue log %s: %w", q.path, err)
		}
		q.file = f
	}
	if _, err := fmt.Fprintf(q.file, "%s %s\n", op, id); err != nil {
		return fmt.Errorf("failed to append to queue log: %w", err)
	}
	if err := q.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync queue log: %w", err)
	}
	return nil
}

// Entries reads the logged operations in order. Trailing garbage from a
// crash mid-append is skipped, never fatal.
func (q *queueLog) Entries() ([]queueEntry, error) {
	f, err := os.Open(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read queue log %s: %w", q.path, err)
	}
	defer f.Close()

	var entries []queueEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		op, id, ok := strings.Cut(line, " ")
		if !ok || (op != queueOpAdd && op != queueOpRemove) {
			continue
		}
		entries = append(entries, queueEntry{Op: op, ID: id})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan queue log %s: %w", q.path, err)
	}
	return entries, nil
}

// Clear deletes the log once everything it covers is persisted.
func (q *queueLog) Clear() error {
	if q.file != nil {
		if err := q.file.Close(); err != nil {
			return fmt.Errorf("failed to close queue log: %w", err)
		}
		q.file = nil
	}
	if err := os.Remove(q.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete queue log: %w", err)
	}
	return nil
}

// Close closes the underlying file, keeping it on disk for replay.
func (q *queueLog) Close() error {
	if q.file == nil {
		return nil
	}
	err := q.file.Close()
	q.file = nil
	return err
}
