package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// genesisHash is the prev_hash for the first entry in a new mirror file.
const genesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// mirrorEntry is the on-disk form: the event plus the chain link.
type mirrorEntry struct {
	Event
	PrevHash string `json:"prev_hash"`
}

// Mirror is an optional append-only JSONL copy of every enqueued audit
// event, SHA-256 hash-chained so local tampering is detectable. It exists so
// an operator still has a trail when the control plane never received the
// events (dropped batches, long outages).
type Mirror struct {
	path     string
	file     *os.File
	prevHash string
	mu       sync.Mutex
}

// OpenMirror opens (or creates) the mirror file for appending, recovering
// the chain tail from the last existing line.
func OpenMirror(path string) (*Mirror, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit mirror: create directory: %w", err)
	}

	prevHash := genesisHash

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("audit mirror: read existing log: %w", err)
		}
		scanner := bufio.NewScanner(f)
		var lastLine []byte
		for scanner.Scan() {
			lastLine = append(lastLine[:0], scanner.Bytes()...)
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("audit mirror: scan existing log: %w", err)
		}
		if len(lastLine) > 0 {
			prevHash = hashLine(lastLine)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit mirror: open file: %w", err)
	}

	return &Mirror{path: path, file: file, prevHash: prevHash}, nil
}

// Record appends one event with hash chaining and syncs to disk.
func (m *Mirror) Record(e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := mirrorEntry{Event: e, PrevHash: m.prevHash}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit mirror: marshal: %w", err)
	}

	if _, err := m.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit mirror: write: %w", err)
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("audit mirror: sync: %w", err)
	}

	m.prevHash = hashLine(line)
	return nil
}

// Close flushes and closes the underlying file.
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file.Close()
}

// VerifyMirror re-reads a mirror file and checks the hash chain.
// Returns the number of verified entries.
func VerifyMirror(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	prev := genesisHash
	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		var entry mirrorEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return count, fmt.Errorf("audit mirror: entry %d unparseable: %w", count+1, err)
		}
		if entry.PrevHash != prev {
			return count, fmt.Errorf("audit mirror: chain broken at entry %d", count+1)
		}
		prev = hashLine(append([]byte(nil), line...))
		count++
	}
	return count, scanner.Err()
}

func hashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
