// Package inbox pulls new customer messages from the remote mailbox via its
// cursor-paginated sync protocol.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// ErrSync marks remote mailbox sync failures. The callback that hits one is
// aborted; the platform redelivers the webhook, so the message retries
// naturally.
var ErrSync = errors.New("sync error")

// MessageTypeText is the only message type the relay replies to.
const MessageTypeText = "text"

const (
	defaultPageSize = 100
	defaultMaxPages = 50
)

// Message is one inbox message as returned by the remote mailbox. The relay
// never persists messages themselves; the ledger records only that a message
// id was handled.
type Message struct {
	MsgID          string `json:"msg_id"`
	ExternalUserID string `json:"external_user_id"`
	Content        string `json:"content"`
	SendTime       int64  `json:"send_time"`
	Type           string `json:"type"`
}

// SyncPage is one page of the remote sync protocol.
type SyncPage struct {
	Messages   []Message
	NextCursor string
	HasMore    bool
}

// Mailbox is the remote sync primitive.
type Mailbox interface {
	Sync(ctx context.Context, token string, mailboxID string, cursor string, pageSize int) (SyncPage, error)
}

// DedupChecker answers whether a message id has already been handled.
type DedupChecker interface {
	IsProcessed(ctx context.Context, id string) bool
}

// Synchronizer drains the remote mailbox and selects the message to answer.
type Synchronizer struct {
	mailbox  Mailbox
	pageSize int
	maxPages int
	log      *slog.Logger
}

// New creates a synchronizer. Non-positive limits fall back to the package
// defaults (page size 100, 50 pages).
func New(mailbox Mailbox, pageSize int, maxPages int, log *slog.Logger) *Synchronizer {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	if log == nil {
		log = slog.Default()
	}

	return &Synchronizer{
		mailbox:  mailbox,
		pageSize: pageSize,
		maxPages: maxPages,
		log:      log.With("component", "inbox"),
	}
}

// FetchUnprocessed drains all pages the mailbox offers, then returns the
// single newest text message that has not been handled yet, or nil when the
// newest message was already handled or no usable message exists.
//
// Only the newest message overall is considered: one webhook trip answers at
// most one message, which bounds downstream AI calls per delivery. Older
// unprocessed messages in the same batch are intentionally left for their own
// webhook deliveries and are not recorded here.
func (s *Synchronizer) FetchUnprocessed(ctx context.Context, token string, mailboxID string, dedup DedupChecker) (*Message, error) {
	messages, err := s.drain(ctx, token, mailboxID)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].SendTime > messages[j].SendTime
	})

	for _, message := range messages {
		if message.Type != MessageTypeText {
			continue
		}
		if strings.TrimSpace(message.Content) == "" || strings.TrimSpace(message.MsgID) == "" {
			continue
		}

		if dedup.IsProcessed(ctx, message.MsgID) {
			s.log.Debug("Newest message already handled", "msg_id", message.MsgID)
			return nil, nil
		}

		selected := message
		return &selected, nil
	}

	return nil, nil
}

// drain accumulates every page the remote offers, advancing the cursor until
// the remote stops or a defensive page cap trips.
func (s *Synchronizer) drain(ctx context.Context, token string, mailboxID string) ([]Message, error) {
	var messages []Message
	cursor := ""

	for page := 0; ; page++ {
		if page >= s.maxPages {
			// The remote's pagination contract is the only loop bound, so a
			// misbehaving remote that never terminates must not spin us.
			return nil, fmt.Errorf("%w: pagination did not terminate within %d pages", ErrSync, s.maxPages)
		}

		result, err := s.mailbox.Sync(ctx, token, mailboxID, cursor, s.pageSize)
		if err != nil {
			if errors.Is(err, ErrSync) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrSync, err)
		}

		messages = append(messages, result.Messages...)

		if !result.HasMore || result.NextCursor == "" || len(result.Messages) == 0 {
			break
		}
		cursor = result.NextCursor
	}

	s.log.Debug("Inbox drained", "mailbox_id", mailboxID, "messages", len(messages))
	return messages, nil
}
