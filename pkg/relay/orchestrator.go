// Package relay ties the pipeline together: acknowledge, verify, sync,
// dedup, converse, reply, record.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oklog/ulid/v2"

	"deskrelay/pkg/alert"
	"deskrelay/pkg/conversation"
	"deskrelay/pkg/dispatch"
	"deskrelay/pkg/inbox"
)

// AckBody is the fixed acknowledgment returned to the webhook caller before
// any processing runs. A slow ack makes the platform retry the whole call.
const AckBody = "success"

// ApologyText is the only user-visible failure message: sent when reply
// generation fails or returns nothing.
const ApologyText = "Sorry, I could not prepare a reply just now. Please try again in a moment."

// InboundEnvelope is one webhook call as received: signature and freshness
// parameters plus the encrypted payload.
type InboundEnvelope struct {
	Signature  string
	Timestamp  string
	Nonce      string
	Ciphertext string
}

// decryptedPayload is the plaintext carried inside the envelope ciphertext.
type decryptedPayload struct {
	Token     string `json:"token"`
	MailboxID string `json:"mailbox_id"`
}

// CryptoBoundary is the remote oracle contract for envelope authenticity.
type CryptoBoundary interface {
	VerifySignature(ctx context.Context, timestamp string, nonce string, payload string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
	Encrypt(ctx context.Context, plaintext string) (string, error)
}

// Ledger is the idempotency contract the orchestrator writes through.
type Ledger interface {
	IsProcessed(ctx context.Context, id string) bool
	MarkProcessed(ctx context.Context, id string, success bool, metadata map[string]any) error
}

// ContextStore is the per-user conversation window contract.
type ContextStore interface {
	AppendUser(ctx context.Context, userID string, content string) ([]conversation.Entry, error)
	AppendAssistant(ctx context.Context, userID string, content string) ([]conversation.Entry, error)
}

// Generator produces one reply from a conversation window.
type Generator interface {
	Complete(ctx context.Context, window []conversation.Entry) (string, error)
}

// Messenger is the outbound messaging gateway contract.
type Messenger interface {
	SendText(ctx context.Context, userID string, mailboxID string, text string) error
	UploadFile(ctx context.Context, content []byte, filename string) (string, error)
	SendFile(ctx context.Context, userID string, mailboxID string, mediaID string) error
}

// Syncer selects the inbox message to answer for one callback.
type Syncer interface {
	FetchUnprocessed(ctx context.Context, token string, mailboxID string, dedup inbox.DedupChecker) (*inbox.Message, error)
}

// Orchestrator runs one asynchronous pipeline task per webhook call.
type Orchestrator struct {
	crypto        CryptoBoundary
	syncer        Syncer
	ledger        Ledger
	dedup         inbox.DedupChecker
	conversations ContextStore
	generator     Generator
	messenger     Messenger
	dispatcher    *dispatch.Dispatcher
	alerts        *alert.Notifier
	log           *slog.Logger
}

// New wires the orchestrator. The dedup checker is normally the same ledger;
// it is a separate parameter only because the synchronizer consumes the
// narrower read-side contract.
func New(
	crypto CryptoBoundary,
	syncer Syncer,
	ldg Ledger,
	dedup inbox.DedupChecker,
	conversations ContextStore,
	generator Generator,
	messenger Messenger,
	dispatcher *dispatch.Dispatcher,
	alerts *alert.Notifier,
	log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}

	return &Orchestrator{
		crypto:        crypto,
		syncer:        syncer,
		ledger:        ldg,
		dedup:         dedup,
		conversations: conversations,
		generator:     generator,
		messenger:     messenger,
		dispatcher:    dispatcher,
		alerts:        alerts,
		log:           log.With("component", "relay"),
	}
}

// HandleCallback acknowledges one webhook call and schedules its pipeline
// task. The returned ack must reach the caller before any processing runs;
// the task itself is detached from the request context and runs to
// completion or failure with no mid-flight cancellation.
func (o *Orchestrator) HandleCallback(ctx context.Context, env InboundEnvelope) string {
	correlationID := ulid.Make().String()

	go o.process(context.WithoutCancel(ctx), correlationID, env)

	return AckBody
}

// process walks the state machine for one call. Collaborator failures are
// converted into terminal states plus best-effort ledger writes; nothing
// escapes to the webhook caller, which already received its ack.
func (o *Orchestrator) process(ctx context.Context, correlationID string, env InboundEnvelope) {
	log := o.log.With("correlation_id", correlationID)
	callID := "call:" + env.Signature

	if o.ledger.IsProcessed(ctx, callID) {
		log.Debug("Duplicate webhook delivery, skipping", "call_id", callID)
		return
	}

	callSuccess := false
	defer func() {
		// A repeated delivery of this call must be a no-op even when the
		// inner message processing failed differently each time.
		if err := o.ledger.MarkProcessed(ctx, callID, callSuccess, nil); err != nil {
			log.Error("Failed to record call-level ledger entry", "call_id", callID, "error", err)
			o.alerts.Notify("deskrelay: ledger write failed for webhook call", err)
		}
	}()

	payload, err := o.verify(ctx, env)
	if err != nil {
		log.Error("Envelope verification failed", "error", err)
		o.alerts.Notify("deskrelay: webhook envelope rejected", err)
		return
	}

	message, err := o.syncer.FetchUnprocessed(ctx, payload.Token, payload.MailboxID, o.dedup)
	if err != nil {
		log.Error("Inbox sync failed", "mailbox_id", payload.MailboxID, "error", err)
		return
	}
	if message == nil {
		log.Debug("No new message to answer", "mailbox_id", payload.MailboxID)
		callSuccess = true
		return
	}

	if o.ledger.IsProcessed(ctx, message.MsgID) {
		log.Debug("Message already handled", "msg_id", message.MsgID)
		callSuccess = true
		return
	}

	callSuccess = o.respond(ctx, log, correlationID, payload.MailboxID, message)
}

// verify authenticates the envelope against the crypto oracle and opens it.
func (o *Orchestrator) verify(ctx context.Context, env InboundEnvelope) (decryptedPayload, error) {
	expected, err := o.crypto.VerifySignature(ctx, env.Timestamp, env.Nonce, env.Ciphertext)
	if err != nil {
		return decryptedPayload{}, err
	}
	if expected != env.Signature {
		return decryptedPayload{}, errors.New("envelope signature mismatch")
	}

	plaintext, err := o.crypto.Decrypt(ctx, env.Ciphertext)
	if err != nil {
		return decryptedPayload{}, err
	}

	var payload decryptedPayload
	if err := json.Unmarshal([]byte(plaintext), &payload); err != nil {
		return decryptedPayload{}, fmt.Errorf("decode decrypted payload: %w", err)
	}
	if strings.TrimSpace(payload.Token) == "" || strings.TrimSpace(payload.MailboxID) == "" {
		return decryptedPayload{}, errors.New("decrypted payload is missing token or mailbox id")
	}

	return payload, nil
}

// respond runs the conversation and dispatch steps for one selected message
// and records the message-level outcome. Returns whether the call as a whole
// should count as successful.
func (o *Orchestrator) respond(ctx context.Context, log *slog.Logger, correlationID string, mailboxID string, message *inbox.Message) bool {
	userID := message.ExternalUserID
	log = log.With("msg_id", message.MsgID, "user_id", userID)

	window, err := o.conversations.AppendUser(ctx, userID, message.Content)
	if err != nil {
		// Message-level state stays unchanged so the next delivery retries.
		log.Error("Failed to persist user message", "error", err)
		o.alerts.Notify("deskrelay: conversation write failed", err)
		return false
	}

	reply, err := o.generator.Complete(ctx, window)
	if err != nil || strings.TrimSpace(reply) == "" {
		log.Error("Reply generation failed", "error", err)

		if sendErr := o.messenger.SendText(ctx, userID, mailboxID, ApologyText); sendErr != nil {
			log.Error("Failed to send apology", "error", sendErr)
		}

		o.markMessage(ctx, log, message, false, map[string]any{"reason": "generation_failed"})
		return false
	}

	if _, err := o.conversations.AppendAssistant(ctx, userID, reply); err != nil {
		log.Warn("Failed to persist assistant reply", "error", err)
	}

	sendChunk := func(ctx context.Context, text string) error {
		return o.messenger.SendText(ctx, userID, mailboxID, text)
	}
	sendFile := func(ctx context.Context, content []byte, filename string) error {
		mediaID, err := o.messenger.UploadFile(ctx, content, filename)
		if err != nil {
			return err
		}
		return o.messenger.SendFile(ctx, userID, mailboxID, mediaID)
	}

	if err := o.dispatcher.Dispatch(ctx, correlationID, reply, sendChunk, sendFile); err != nil {
		// Marked processed anyway: redelivering the same reply on every
		// webhook retry would be worse than one lost send.
		log.Error("Reply dispatch failed", "error", err)
		o.alerts.Notify("deskrelay: reply dispatch failed", err)

		o.markMessage(ctx, log, message, false, map[string]any{"reason": "dispatch_failed"})
		return false
	}

	o.markMessage(ctx, log, message, true, map[string]any{
		"user_id": userID,
		"content": message.Content,
		"reply":   reply,
	})
	log.Info("Message answered", "reply_length", len(reply))

	return true
}

func (o *Orchestrator) markMessage(ctx context.Context, log *slog.Logger, message *inbox.Message, success bool, metadata map[string]any) {
	if err := o.ledger.MarkProcessed(ctx, message.MsgID, success, metadata); err != nil {
		log.Error("Failed to record message-level ledger entry", "error", err)
		o.alerts.Notify("deskrelay: ledger write failed for message", err)
	}
}
