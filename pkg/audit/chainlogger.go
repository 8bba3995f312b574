// Package audit provides the mutation side channel of the ledger: every
// create, update, delete and reconcile emits an event carrying before and
// after snapshots. The in-process ChainLogger links events into a
// tamper-evident hash chain; external log sinks implement Recorder.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Op enumerates mutation kinds.
type Op string

// Mutation kinds.
const (
	OpCreate    Op = "create"
	OpUpdate    Op = "update"
	OpDelete    Op = "delete"
	OpReconcile Op = "reconcile"
	OpImport    Op = "import"
)

// Event describes one ledger mutation. Before and After are JSON
// snapshots of the entity; nil for the side that does not exist.
type Event struct {
	Op     Op              `json:"op"`
	Entity string          `json:"entity"`
	GUID   string          `json:"guid"`
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`
}

// Recorder consumes mutation events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(ev Event)
}

// LogEntry is one link of the hash chain.
type LogEntry struct {
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// ChainLogger links events into a hash chain so any later tampering with
// a recorded mutation is detectable.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	entries      []*LogEntry
}

// NewChainLogger creates a ChainLogger initialized with a zero hash.
func NewChainLogger() *ChainLogger {
	return &ChainLogger{previousHash: strings.Repeat("0", 64)}
}

// Record appends the event to the chain.
func (c *ChainLogger) Record(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		// Only possible with invalid raw JSON snapshots; keep the
		// mutation on the chain anyway.
		payload = []byte(fmt.Sprintf(`{"op":%q,"entity":%q,"guid":%q,"marshal_error":%q}`,
			ev.Op, ev.Entity, ev.GUID, err.Error()))
	}
	c.append(string(payload))
}

func (c *ChainLogger) append(payload string) *LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &LogEntry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}

	hashInput := fmt.Sprintf("%s|%s|%s", entry.PreviousHash, entry.Timestamp, entry.Payload)
	hash := sha256.Sum256([]byte(hashInput))
	entry.Hash = hex.EncodeToString(hash[:])

	c.previousHash = entry.Hash
	c.entries = append(c.entries, entry)
	return entry
}

// Entries returns a copy of the recorded chain.
func (c *ChainLogger) Entries() []*LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*LogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// VerifyChain checks that a slice of entries forms a valid hash chain.
func VerifyChain(entries []*LogEntry) bool {
	for i, entry := range entries {
		prevHash := entry.PreviousHash
		if i > 0 && entries[i-1].Hash != prevHash {
			return false
		}

		hashInput := fmt.Sprintf("%s|%s|%s", prevHash, entry.Timestamp, entry.Payload)
		hash := sha256.Sum256([]byte(hashInput))
		if hex.EncodeToString(hash[:]) != entry.Hash {
			return false
		}
	}
	return true
}
