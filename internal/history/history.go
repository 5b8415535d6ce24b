// Package history is the usage ledger: append-only per-identity
// request history and the analytics derived from it.
package history

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/audrey/textai-server/internal/store"
)

const storePrefix = "history:"

// Entry is one recorded request. Entries are never mutated after
// creation. The raw input is not retained, only a digest.
type Entry struct {
	ID            string    `json:"id"`
	Identity      string    `json:"identity"`
	Tool          string    `json:"tool"`
	Timestamp     time.Time `json:"timestamp"`
	InputDigest   string    `json:"input_digest"`
	ResultSummary string    `json:"result_summary"`
	ProcessingMs  int64     `json:"processing_time_ms"`
	Success       bool      `json:"success"`
	ErrorKind     string    `json:"error_kind,omitempty"`
}

// Analytics aggregates a slice of the ledger.
type Analytics struct {
	TotalQueries    int            `json:"total_queries"`
	ToolCounts      map[string]int `json:"tools_used"`
	SuccessRate     float64        `json:"success_rate"`
	AvgProcessingMs float64        `json:"avg_processing_time_ms"`
	Last7Days       int            `json:"last_7_days"`
	Last30Days      int            `json:"last_30_days"`
	MostUsedTool    string         `json:"most_used_tool,omitempty"`
}

// Digest returns the stored form of a request payload: the first 16
// hex characters of its SHA-256.
func Digest(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:16]
}

// Summarize truncates a result for storage, never splitting a rune.
func Summarize(result string) string {
	const max = 200
	if len(result) <= max {
		return result
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(result[cut]) {
		cut--
	}
	return result[:cut]
}

// Ledger owns the per-identity history stores.
type Ledger struct {
	store  store.Store
	logger *slog.Logger

	// maxEntries caps each identity's history, keeping the most recent
	// entries; 0 keeps everything.
	maxEntries int
}

// NewLedger creates the usage ledger.
func NewLedger(s store.Store, logger *slog.Logger, maxEntries int) *Ledger {
	return &Ledger{store: s, logger: logger, maxEntries: maxEntries}
}

func storeID(identity string) string {
	return storePrefix + identity
}

func decode(snapshot []byte) ([]Entry, error) {
	if len(snapshot) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(snapshot, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode history store: %w", err)
	}
	return entries, nil
}

// Record appends an entry to the identity's history. Recording is
// best-effort: failures are logged and swallowed, never surfaced to
// the caller whose request already succeeded.
func (l *Ledger) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	_, err := l.store.Modify(ctx, storeID(e.Identity), func(current []byte) ([]byte, error) {
		entries, err := decode(current)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		if l.maxEntries > 0 && len(entries) > l.maxEntries {
			entries = entries[len(entries)-l.maxEntries:]
		}
		return json.Marshal(entries)
	})
	if err != nil {
		l.logger.Error("failed to record history entry",
			"identity", e.Identity, "tool", e.Tool, "error", err)
	}
}

// History returns entries for an identity, most recent first,
// restartable via offset.
func (l *Ledger) History(ctx context.Context, identity string, limit, offset int) ([]Entry, error) {
	snapshot, err := l.store.Read(ctx, storeID(identity))
	if err != nil {
		return nil, err
	}
	entries, err := decode(snapshot)
	if err != nil {
		return nil, err
	}

	// Stored in append order; walk backwards.
	out := make([]Entry, 0, limit)
	for i := len(entries) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

// Analytics computes aggregates for one identity. The snapshot read is
// atomic, so a concurrent append never yields a partial scan.
func (l *Ledger) Analytics(ctx context.Context, identity string) (*Analytics, error) {
	snapshot, err := l.store.Read(ctx, storeID(identity))
	if err != nil {
		return nil, err
	}
	entries, err := decode(snapshot)
	if err != nil {
		return nil, err
	}
	return aggregate(entries), nil
}

// GlobalAnalytics scans every identity's history store.
func (l *Ledger) GlobalAnalytics(ctx context.Context) (*Analytics, error) {
	ids, err := l.store.List(ctx, storePrefix)
	if err != nil {
		return nil, err
	}

	var all []Entry
	for _, id := range ids {
		snapshot, err := l.store.Read(ctx, id)
		if err != nil {
			return nil, err
		}
		entries, err := decode(snapshot)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return aggregate(all), nil
}

// Identities lists every identity with recorded history.
func (l *Ledger) Identities(ctx context.Context) ([]string, error) {
	ids, err := l.store.List(ctx, storePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, strings.TrimPrefix(id, storePrefix))
	}
	return out, nil
}

func aggregate(entries []Entry) *Analytics {
	a := &Analytics{ToolCounts: make(map[string]int)}
	if len(entries) == 0 {
		return a
	}

	now := time.Now().UTC()
	week := now.AddDate(0, 0, -7)
	month := now.AddDate(0, 0, -30)

	var succeeded int
	var totalMs int64
	for _, e := range entries {
		a.TotalQueries++
		a.ToolCounts[e.Tool]++
		totalMs += e.ProcessingMs
		if e.Success {
			succeeded++
		}
		if e.Timestamp.After(week) {
			a.Last7Days++
		}
		if e.Timestamp.After(month) {
			a.Last30Days++
		}
	}

	a.SuccessRate = float64(succeeded) / float64(a.TotalQueries)
	a.AvgProcessingMs = float64(totalMs) / float64(a.TotalQueries)

	best := 0
	for tool, count := range a.ToolCounts {
		if count > best || (count == best && tool < a.MostUsedTool) {
			best = count
			a.MostUsedTool = tool
		}
	}
	return a
}
