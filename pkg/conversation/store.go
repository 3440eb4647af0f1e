// Package conversation owns the bounded per-user message window handed to
// the reply generator.
package conversation

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"deskrelay/pkg/kvstore"
)

const keyPrefix = "conversation:"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	defaultMaxHistoryLength = 20
	defaultSessionTTL       = 24 * time.Hour
)

// Entry is one message in a conversation window.
type Entry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	At      int64  `json:"at"`
}

// Stats summarizes one user's stored window without mutating it.
type Stats struct {
	TotalMessages     int   `json:"total_messages"`
	UserMessages      int   `json:"user_messages"`
	AssistantMessages int   `json:"assistant_messages"`
	LastActivityAt    int64 `json:"last_activity_at"`
}

// Store keeps per-user conversation windows in the key-value backend.
//
// Reads and writes are not serialized per user: two concurrent appends for
// the same user can lose one update (read-modify-write without
// compare-and-swap, which the store contract does not offer). The ledger's
// message-id dedup keeps this from duplicating replies; interleaved window
// writes for distinct concurrent messages remain a known limitation.
type Store struct {
	store      kvstore.Store
	preamble   string
	maxHistory int
	ttl        time.Duration
	log        *slog.Logger
	now        func() time.Time
}

// New creates a conversation store. Non-positive limits fall back to the
// package defaults (20 entries, 24h sliding TTL).
func New(store kvstore.Store, preamble string, maxHistory int, ttl time.Duration, log *slog.Logger) *Store {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistoryLength
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if log == nil {
		log = slog.Default()
	}

	return &Store{
		store:      store,
		preamble:   strings.TrimSpace(preamble),
		maxHistory: maxHistory,
		ttl:        ttl,
		log:        log.With("component", "conversation"),
		now:        time.Now,
	}
}

func windowKey(userID string) string {
	return keyPrefix + userID
}

// Window returns the user's conversation window with the current preamble as
// entry zero. Any stored system entries are stripped so a preamble change
// takes effect on the next read without clearing history.
//
// Storage read failures degrade to a preamble-only window; continuity is
// best-effort, not critical-path.
func (s *Store) Window(ctx context.Context, userID string) []Entry {
	history := s.loadHistory(ctx, userID)
	return s.assemble(history)
}

// AppendUser appends a user message, trims to the cap, persists with a fresh
// sliding TTL, and returns the resulting window.
func (s *Store) AppendUser(ctx context.Context, userID string, content string) ([]Entry, error) {
	return s.append(ctx, userID, RoleUser, content)
}

// AppendAssistant appends an assistant reply, trims to the cap, persists with
// a fresh sliding TTL, and returns the resulting window.
func (s *Store) AppendAssistant(ctx context.Context, userID string, content string) ([]Entry, error) {
	return s.append(ctx, userID, RoleAssistant, content)
}

// Clear deletes the stored window. Clearing an absent user is a no-op.
func (s *Store) Clear(ctx context.Context, userID string) error {
	return s.store.Delete(ctx, windowKey(userID))
}

// UserStats derives read-only statistics from the stored window.
func (s *Store) UserStats(ctx context.Context, userID string) Stats {
	history := s.loadHistory(ctx, userID)

	stats := Stats{}
	for _, entry := range history {
		switch entry.Role {
		case RoleUser:
			stats.UserMessages++
		case RoleAssistant:
			stats.AssistantMessages++
		default:
			continue
		}

		stats.TotalMessages++
		if entry.At > stats.LastActivityAt {
			stats.LastActivityAt = entry.At
		}
	}

	return stats
}

func (s *Store) append(ctx context.Context, userID string, role string, content string) ([]Entry, error) {
	history := s.loadHistory(ctx, userID)
	history = append(history, Entry{
		Role:    role,
		Content: content,
		At:      s.now().Unix(),
	})

	window := s.assemble(history)

	payload, err := json.Marshal(window)
	if err != nil {
		return nil, err
	}

	if err := s.store.Put(ctx, windowKey(userID), payload, s.ttl); err != nil {
		return nil, err
	}

	return window, nil
}

// loadHistory returns the stored non-system entries for a user, oldest first.
func (s *Store) loadHistory(ctx context.Context, userID string) []Entry {
	payload, found, err := s.store.Get(ctx, windowKey(userID))
	if err != nil {
		s.log.Warn("Conversation read failed, starting fresh window", "user_id", userID, "error", err)
		return nil
	}
	if !found {
		return nil
	}

	var stored []Entry
	if err := json.Unmarshal(payload, &stored); err != nil {
		s.log.Warn("Conversation payload unreadable, starting fresh window", "user_id", userID, "error", err)
		return nil
	}

	history := make([]Entry, 0, len(stored))
	for _, entry := range stored {
		if entry.Role == RoleSystem {
			// Stale preambles are dropped; the current one is re-injected.
			continue
		}
		history = append(history, entry)
	}

	return history
}

// assemble prepends the current preamble and trims to the history cap.
// Trimming happens after preamble injection so the cap always counts
// non-system entries.
func (s *Store) assemble(history []Entry) []Entry {
	if len(history) > s.maxHistory {
		history = history[len(history)-s.maxHistory:]
	}

	window := make([]Entry, 0, len(history)+1)
	window = append(window, Entry{
		Role:    RoleSystem,
		Content: s.preamble,
		At:      s.now().Unix(),
	})

	return append(window, history...)
}
