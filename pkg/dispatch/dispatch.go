// Package dispatch splits generated replies into ordered chat chunks and
// falls back to a file attachment when a reply is too large to send as text.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	defaultChunkSize     = 1024
	defaultMaxTextChunks = 5
)

// SendChunk delivers one text chunk to the user.
type SendChunk func(ctx context.Context, text string) error

// SendFile uploads content under filename and delivers it to the user.
type SendFile func(ctx context.Context, content []byte, filename string) error

// Dispatcher sends replies chunk by chunk, in order.
type Dispatcher struct {
	chunkSize     int
	maxTextChunks int
	log           *slog.Logger
}

// New creates a dispatcher. Non-positive limits fall back to the defaults
// (1024-byte chunks, 5 text chunks before the file path).
func New(chunkSize int, maxTextChunks int, log *slog.Logger) *Dispatcher {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if maxTextChunks <= 0 {
		maxTextChunks = defaultMaxTextChunks
	}
	if log == nil {
		log = slog.Default()
	}

	return &Dispatcher{
		chunkSize:     chunkSize,
		maxTextChunks: maxTextChunks,
		log:           log.With("component", "dispatch"),
	}
}

// Dispatch delivers reply to the user. The reply is trimmed once at the
// source, then sent as sequential text chunks. A reply needing at least
// maxTextChunks chunks sends maxTextChunks-1 text chunks and then the entire
// trimmed reply once as a file attachment instead of further text.
//
// Chunks are sent strictly in order; the first send failure aborts the rest
// of the sequence and propagates.
func (d *Dispatcher) Dispatch(ctx context.Context, correlationID string, reply string, sendChunk SendChunk, sendFile SendFile) error {
	trimmed := strings.TrimSpace(reply)
	if trimmed == "" {
		return nil
	}

	log := d.log.With("correlation_id", correlationID)

	chunks := splitChunks(trimmed, d.chunkSize)
	if len(chunks) < d.maxTextChunks {
		for index, chunk := range chunks {
			if err := sendChunk(ctx, chunk); err != nil {
				return fmt.Errorf("send chunk %d/%d: %w", index+1, len(chunks), err)
			}
		}

		log.Debug("Reply dispatched", "chunks", len(chunks))
		return nil
	}

	// Oversized reply: the leading chunks go out as text, the full reply
	// follows once as an attachment so nothing is truncated.
	for index := 0; index < d.maxTextChunks-1; index++ {
		if err := sendChunk(ctx, chunks[index]); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", index+1, len(chunks), err)
		}
	}

	filename := "reply-" + uuid.NewString() + ".txt"
	if err := sendFile(ctx, []byte(trimmed), filename); err != nil {
		return fmt.Errorf("send reply file: %w", err)
	}

	log.Debug("Reply dispatched with file overflow", "text_chunks", d.maxTextChunks-1, "total_chunks", len(chunks), "filename", filename)
	return nil
}

// splitChunks cuts text into ordered pieces of at most size bytes whose
// concatenation reconstructs text exactly. Cuts never land inside a
// multi-byte rune: a seam backs off to the last rune start within size.
func splitChunks(text string, size int) []string {
	if len(text) <= size {
		return []string{text}
	}

	chunks := make([]string, 0, (len(text)+size-1)/size)
	for start := 0; start < len(text); {
		end := start + size
		if end >= len(text) {
			chunks = append(chunks, text[start:])
			break
		}
		for end > start && !utf8.RuneStart(text[end]) {
			end--
		}
		if end == start {
			// A rune wider than size cannot be kept whole.
			end = start + size
		}
		chunks = append(chunks, text[start:end])
		start = end
	}

	return chunks
}
