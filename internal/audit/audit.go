// Package audit keeps a tamper-evident trail of server lifecycle events:
// starts, stops, config applies and restarts. Entries are JSON lines chained
// by SHA-256: each entry hashes {seq, ts, payload, prev_hash} and carries
// its predecessor's hash, so an edited, reordered or deleted line breaks
// verification from that point on. The genesis entry links to a prev_hash of
// 64 ASCII zeros.
//
// The file is opened O_APPEND|O_CREATE|O_WRONLY; each entry is one short
// JSON line written in a single call, which POSIX appends atomically. A
// Trail is safe for concurrent use: a mutex serialises appends to keep the
// sequence number and prev_hash consistent.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// GenesisHash is the all-zero digest the first entry links to.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Lifecycle actions recorded by the supervisor.
const (
	ActionServerStart   = "server_start"
	ActionServerStop    = "server_stop"
	ActionConfigApply   = "config_apply"
	ActionConfigRestart = "config_restart"
)

// Record is one harness lifecycle event. Error is set when the operation it
// describes failed.
type Record struct {
	Action   string `json:"action"`
	ServerID string `json:"serverId,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	Addr     string `json:"addr,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Error    string `json:"error,omitempty"`
}

// entry is the wire format for one trail line.
type entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// entryContent is the hashed subset of entry; it excludes EventHash itself.
type entryContent struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
}

// Trail is an append-only hash-chained log. Create one with Open; do not
// copy after first use.
type Trail struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// Open opens (or creates) the trail at path. An existing file is scanned in
// full so the chain continues from its last entry; a malformed or broken
// chain is refused rather than silently extended.
func Open(path string) (*Trail, error) {
	prevHash := GenesisHash
	seq := int64(0)

	if _, err := os.Stat(path); err == nil {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("audit: open for reading %q: %w", path, err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var e entry
			if err := json.Unmarshal(line, &e); err != nil {
				f.Close()
				return nil, fmt.Errorf("audit: malformed entry at seq %d: %w", seq+1, err)
			}
			computed := hashContent(entryContent{Seq: e.Seq, Timestamp: e.Timestamp, Payload: e.Payload, PrevHash: e.PrevHash})
			if computed != e.EventHash {
				f.Close()
				return nil, fmt.Errorf("audit: hash mismatch at seq %d: stored %q, computed %q", e.Seq, e.EventHash, computed)
			}
			if e.PrevHash != prevHash {
				f.Close()
				return nil, fmt.Errorf("audit: chain break at seq %d: expected prev_hash %q, got %q", e.Seq, prevHash, e.PrevHash)
			}
			prevHash = e.EventHash
			seq = e.Seq
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("audit: scanning existing trail %q: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}

	return &Trail{file: f, prevHash: prevHash, seq: seq}, nil
}

// Record appends one lifecycle record to the trail.
func (t *Trail) Record(r Record) (Entry, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal record: %w", err)
	}
	return t.Append(payload)
}

// Append writes an entry with an arbitrary JSON payload; nil records a JSON
// null. The returned Entry carries the assigned sequence number and hashes
// so callers can track the chain without re-reading the file.
func (t *Trail) Append(payload json.RawMessage) (Entry, error) {
	if payload == nil {
		payload = json.RawMessage("null")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	seq := t.seq + 1
	ts := time.Now().UTC()
	prevHash := t.prevHash

	content := entryContent{Seq: seq, Timestamp: ts, Payload: payload, PrevHash: prevHash}
	eventHash := hashContent(content)

	line, err := json.Marshal(entry{
		Seq:       seq,
		Timestamp: ts,
		Payload:   payload,
		PrevHash:  prevHash,
		EventHash: eventHash,
	})
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := t.file.Write(line); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	t.seq = seq
	t.prevHash = eventHash

	return Entry{Seq: seq, Timestamp: ts, Payload: payload, PrevHash: prevHash, EventHash: eventHash}, nil
}

// Close syncs and closes the underlying file.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.file.Sync(); err != nil {
		_ = t.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return t.file.Close()
}

// Entry is the public form of one trail line, returned by Append and Verify.
type Entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// Verify reads the trail at path and checks the full chain. It returns the
// ordered entries, or the first chain error. An empty file is valid.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	prevHash := GenesisHash
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit: malformed entry: %w", err)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("audit: chain break at seq %d: expected prev_hash %q, got %q", e.Seq, prevHash, e.PrevHash)
		}
		computed := hashContent(entryContent{Seq: e.Seq, Timestamp: e.Timestamp, Payload: e.Payload, PrevHash: e.PrevHash})
		if computed != e.EventHash {
			return nil, fmt.Errorf("audit: hash mismatch at seq %d: stored %q, computed %q", e.Seq, e.EventHash, computed)
		}
		entries = append(entries, Entry{Seq: e.Seq, Timestamp: e.Timestamp, Payload: e.Payload, PrevHash: e.PrevHash, EventHash: e.EventHash})
		prevHash = e.EventHash
	}

	return entries, scanner.Err()
}

// hashContent computes the SHA-256 hex digest of the JSON-marshalled
// content. Marshal failure is unreachable for well-formed values.
func hashContent(c entryContent) string {
	raw, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("audit: marshal entryContent: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
