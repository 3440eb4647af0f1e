package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"deskrelay/pkg/conversation"
	"deskrelay/pkg/dispatch"
	"deskrelay/pkg/inbox"
	"deskrelay/pkg/kvstore"
	"deskrelay/pkg/ledger"
	providertypes "deskrelay/pkg/provider/types"
)

const testPlaintext = `{"token":"tok","mailbox_id":"mb1"}`

// fakeCrypto signs every payload as "sig:<payload>" and decrypts to a fixed
// plaintext.
type fakeCrypto struct {
	verifyErr  error
	decryptErr error
	plaintext  string
}

func (c *fakeCrypto) VerifySignature(_ context.Context, _ string, _ string, payload string) (string, error) {
	if c.verifyErr != nil {
		return "", c.verifyErr
	}
	return "sig:" + payload, nil
}

func (c *fakeCrypto) Decrypt(_ context.Context, _ string) (string, error) {
	if c.decryptErr != nil {
		return "", c.decryptErr
	}
	if c.plaintext != "" {
		return c.plaintext, nil
	}
	return testPlaintext, nil
}

func (c *fakeCrypto) Encrypt(_ context.Context, plaintext string) (string, error) {
	return plaintext, nil
}

type scriptedMailbox struct {
	mu       sync.Mutex
	messages []inbox.Message
	err      error
}

func (m *scriptedMailbox) Sync(context.Context, string, string, string, int) (inbox.SyncPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return inbox.SyncPage{}, m.err
	}
	return inbox.SyncPage{Messages: m.messages}, nil
}

type fakeGenerator struct {
	mu      sync.Mutex
	reply   string
	err     error
	windows [][]conversation.Entry
}

func (g *fakeGenerator) Complete(_ context.Context, window []conversation.Entry) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	copied := make([]conversation.Entry, len(window))
	copy(copied, window)
	g.windows = append(g.windows, copied)

	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

type recordingMessenger struct {
	mu        sync.Mutex
	texts     []string
	uploads   []string
	fileSends []string

	textErr   error
	uploadErr error
}

func (m *recordingMessenger) SendText(_ context.Context, _ string, _ string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.textErr != nil {
		return m.textErr
	}
	m.texts = append(m.texts, text)
	return nil
}

func (m *recordingMessenger) UploadFile(_ context.Context, content []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	m.uploads = append(m.uploads, string(content))
	return fmt.Sprintf("media-%d", len(m.uploads)), nil
}

func (m *recordingMessenger) SendFile(_ context.Context, _ string, _ string, mediaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fileSends = append(m.fileSends, mediaID)
	return nil
}

func (m *recordingMessenger) sentTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	texts := make([]string, len(m.texts))
	copy(texts, m.texts)
	return texts
}

type fixture struct {
	orchestrator *Orchestrator
	crypto       *fakeCrypto
	mailbox      *scriptedMailbox
	generator    *fakeGenerator
	messenger    *recordingMessenger
	ledger       *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	crypto := &fakeCrypto{}
	mailbox := &scriptedMailbox{}
	generator := &fakeGenerator{reply: "generated answer"}
	messenger := &recordingMessenger{}

	store := kvstore.NewMemoryStore()
	dedupLedger := ledger.New(store, time.Hour, nil)
	conversations := conversation.New(store, "You are a support assistant.", 10, time.Hour, nil)
	synchronizer := inbox.New(mailbox, 0, 0, nil)
	dispatcher := dispatch.New(1024, 5, nil)

	return &fixture{
		orchestrator: New(crypto, synchronizer, dedupLedger, dedupLedger, conversations, generator, messenger, dispatcher, nil, nil),
		crypto:       crypto,
		mailbox:      mailbox,
		generator:    generator,
		messenger:    messenger,
		ledger:       dedupLedger,
	}
}

func validEnvelope() InboundEnvelope {
	return InboundEnvelope{
		Signature:  "sig:ciphertext-1",
		Timestamp:  "1700000000",
		Nonce:      "nonce-1",
		Ciphertext: "ciphertext-1",
	}
}

func TestProcessHappyPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.mailbox.messages = []inbox.Message{
		{MsgID: "m1", ExternalUserID: "u1", Content: "where is my order?", SendTime: 100, Type: inbox.MessageTypeText},
	}

	f.orchestrator.process(context.Background(), "corr-1", validEnvelope())

	require.Equal(t, []string{"generated answer"}, f.messenger.sentTexts())

	record, found, err := f.ledger.GetRecord(context.Background(), "m1")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, record.Success)
	require.Equal(t, "u1", record.Metadata["user_id"])
	require.Equal(t, "generated answer", record.Metadata["reply"])

	callRecord, found, err := f.ledger.GetRecord(context.Background(), "call:sig:ciphertext-1")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, callRecord.Success)

	// The generator saw the preamble followed by the user turn.
	require.Len(t, f.generator.windows, 1)
	window := f.generator.windows[0]
	require.Equal(t, conversation.RoleSystem, window[0].Role)
	require.Equal(t, "where is my order?", window[len(window)-1].Content)
}

func TestProcessIsIdempotentAcrossRetries(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.mailbox.messages = []inbox.Message{
		{MsgID: "m1", ExternalUserID: "u1", Content: "hello?", SendTime: 100, Type: inbox.MessageTypeText},
	}

	env := validEnvelope()
	f.orchestrator.process(context.Background(), "corr-1", env)
	f.orchestrator.process(context.Background(), "corr-2", env)

	require.Len(t, f.messenger.sentTexts(), 1, "a retried webhook call must not produce a second reply")
}

func TestProcessDedupsByMessageID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.mailbox.messages = []inbox.Message{
		{MsgID: "m1", ExternalUserID: "u1", Content: "hello?", SendTime: 100, Type: inbox.MessageTypeText},
	}

	// Two distinct deliveries (different signatures) naming the same message.
	first := validEnvelope()
	second := InboundEnvelope{
		Signature:  "sig:ciphertext-2",
		Timestamp:  "1700000001",
		Nonce:      "nonce-2",
		Ciphertext: "ciphertext-2",
	}

	f.orchestrator.process(context.Background(), "corr-1", first)
	f.orchestrator.process(context.Background(), "corr-2", second)

	require.Len(t, f.messenger.sentTexts(), 1, "message-id dedup must hold across distinct calls")

	callRecord, found, err := f.ledger.GetRecord(context.Background(), "call:sig:ciphertext-2")
	require.NoError(t, err)
	require.True(t, found, "second call must still be recorded")
	require.True(t, callRecord.Success)
}

func TestProcessRejectsBadSignature(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.mailbox.messages = []inbox.Message{
		{MsgID: "m1", ExternalUserID: "u1", Content: "hello?", SendTime: 100, Type: inbox.MessageTypeText},
	}

	env := validEnvelope()
	env.Signature = "sig:forged"
	f.orchestrator.process(context.Background(), "corr-1", env)

	require.Empty(t, f.messenger.sentTexts(), "no reply on verification failure")

	callRecord, found, err := f.ledger.GetRecord(context.Background(), "call:sig:forged")
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, callRecord.Success)
}

func TestProcessCryptoFailureMarksCallFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.crypto.verifyErr = errors.New("oracle unavailable")

	f.orchestrator.process(context.Background(), "corr-1", validEnvelope())

	require.Empty(t, f.messenger.sentTexts())

	callRecord, found, err := f.ledger.GetRecord(context.Background(), "call:sig:ciphertext-1")
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, callRecord.Success)
}

func TestProcessSyncFailureLeavesMessageStateUnchanged(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.mailbox.err = errors.New("mailbox unavailable")

	f.orchestrator.process(context.Background(), "corr-1", validEnvelope())

	require.Empty(t, f.messenger.sentTexts())
	_, found, err := f.ledger.GetRecord(context.Background(), "m1")
	require.NoError(t, err)
	require.False(t, found, "sync failure must not create message-level records")
}

func TestProcessEmptyInboxIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	f.orchestrator.process(context.Background(), "corr-1", validEnvelope())

	require.Empty(t, f.messenger.sentTexts())

	callRecord, found, err := f.ledger.GetRecord(context.Background(), "call:sig:ciphertext-1")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, callRecord.Success)
}

func TestProcessGenerationFailureSendsApology(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.mailbox.messages = []inbox.Message{
		{MsgID: "m1", ExternalUserID: "u1", Content: "hello?", SendTime: 100, Type: inbox.MessageTypeText},
	}
	f.generator.err = fmt.Errorf("%w: model overloaded", providertypes.ErrGeneration)

	f.orchestrator.process(context.Background(), "corr-1", validEnvelope())

	require.Equal(t, []string{ApologyText}, f.messenger.sentTexts())

	record, found, err := f.ledger.GetRecord(context.Background(), "m1")
	require.NoError(t, err)
	require.True(t, found, "failed generation must still be recorded to stop reprocessing loops")
	require.False(t, record.Success)
}

func TestProcessEmptyReplySendsApology(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.mailbox.messages = []inbox.Message{
		{MsgID: "m1", ExternalUserID: "u1", Content: "hello?", SendTime: 100, Type: inbox.MessageTypeText},
	}
	f.generator.reply = "   "

	f.orchestrator.process(context.Background(), "corr-1", validEnvelope())

	require.Equal(t, []string{ApologyText}, f.messenger.sentTexts())
}

func TestProcessGatewayFailureStillMarksProcessed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.mailbox.messages = []inbox.Message{
		{MsgID: "m1", ExternalUserID: "u1", Content: "hello?", SendTime: 100, Type: inbox.MessageTypeText},
	}
	f.messenger.textErr = errors.New("gateway 502")

	f.orchestrator.process(context.Background(), "corr-1", validEnvelope())

	record, found, err := f.ledger.GetRecord(context.Background(), "m1")
	require.NoError(t, err)
	require.True(t, found, "gateway failure must still mark the message to avoid resend storms")
	require.False(t, record.Success)
}

func TestProcessOversizedReplyOverflowsToFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.mailbox.messages = []inbox.Message{
		{MsgID: "m1", ExternalUserID: "u1", Content: "tell me everything", SendTime: 100, Type: inbox.MessageTypeText},
	}
	f.generator.reply = strings.Repeat("a", 6000)

	f.orchestrator.process(context.Background(), "corr-1", validEnvelope())

	require.Len(t, f.messenger.sentTexts(), 4)
	require.Len(t, f.messenger.uploads, 1)
	require.Equal(t, f.generator.reply, f.messenger.uploads[0])
	require.Equal(t, []string{"media-1"}, f.messenger.fileSends)
}

func TestProcessThreadsCorrelationIDIntoDispatchLogs(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	crypto := &fakeCrypto{}
	mailbox := &scriptedMailbox{messages: []inbox.Message{
		{MsgID: "m1", ExternalUserID: "u1", Content: "hello?", SendTime: 100, Type: inbox.MessageTypeText},
	}}
	generator := &fakeGenerator{reply: "generated answer"}
	messenger := &recordingMessenger{}

	store := kvstore.NewMemoryStore()
	dedupLedger := ledger.New(store, time.Hour, log)
	conversations := conversation.New(store, "You are a support assistant.", 10, time.Hour, log)
	synchronizer := inbox.New(mailbox, 0, 0, log)
	dispatcher := dispatch.New(1024, 5, log)

	o := New(crypto, synchronizer, dedupLedger, dedupLedger, conversations, generator, messenger, dispatcher, nil, log)
	o.process(context.Background(), "corr-dispatch-1", validEnvelope())

	// The dispatch log line must join the rest of the call's trace, not
	// carry the message id.
	var sawDispatchLine bool
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["component"] == "dispatch" && entry["msg"] == "Reply dispatched" {
			sawDispatchLine = true
			require.Equal(t, "corr-dispatch-1", entry["correlation_id"])
		}
	}
	require.True(t, sawDispatchLine, "expected a dispatch log line")
}

func TestHandleCallbackAcksImmediately(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.mailbox.messages = []inbox.Message{
		{MsgID: "m1", ExternalUserID: "u1", Content: "hello?", SendTime: 100, Type: inbox.MessageTypeText},
	}

	ack := f.orchestrator.HandleCallback(context.Background(), validEnvelope())
	require.Equal(t, AckBody, ack)

	// The detached task completes without the request context.
	require.Eventually(t, func() bool {
		return len(f.messenger.sentTexts()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleCallbackSurvivesCanceledRequestContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.mailbox.messages = []inbox.Message{
		{MsgID: "m1", ExternalUserID: "u1", Content: "hello?", SendTime: 100, Type: inbox.MessageTypeText},
	}

	ctx, cancel := context.WithCancel(context.Background())
	ack := f.orchestrator.HandleCallback(ctx, validEnvelope())
	cancel()

	require.Equal(t, AckBody, ack)
	require.Eventually(t, func() bool {
		return len(f.messenger.sentTexts()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
