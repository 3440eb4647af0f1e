// Package platform is the HTTP client for the messaging platform's
// customer-service API: inbox sync, text sends, and media upload/send.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"deskrelay/pkg/config"
	"deskrelay/pkg/inbox"
)

// ErrGateway marks outbound send/upload failures at the messaging gateway.
var ErrGateway = errors.New("gateway error")

const defaultRequestTimeout = 30 * time.Second

// Client talks to the platform API with bearer-token auth.
type Client struct {
	baseURL        string
	accessToken    string
	httpClient     *http.Client
	requestTimeout time.Duration
	log            *slog.Logger
}

// New validates platform config and constructs the API client.
func New(cfg config.PlatformConfig, log *slog.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("platform.base_url is required")
	}

	requestTimeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	if log == nil {
		log = slog.Default()
	}

	return &Client{
		baseURL:        baseURL,
		accessToken:    strings.TrimSpace(cfg.AccessToken),
		httpClient:     &http.Client{Timeout: requestTimeout},
		requestTimeout: requestTimeout,
		log:            log.With("component", "platform"),
	}, nil
}

type syncRequest struct {
	Token     string `json:"token"`
	MailboxID string `json:"mailbox_id"`
	Cursor    string `json:"cursor,omitempty"`
	PageSize  int    `json:"page_size"`
}

type syncResponse struct {
	Messages   []inbox.Message `json:"messages"`
	NextCursor string          `json:"next_cursor,omitempty"`
	HasMore    bool            `json:"has_more"`
}

type sendTextRequest struct {
	UserID    string `json:"user_id"`
	MailboxID string `json:"mailbox_id"`
	Text      string `json:"text"`
}

type sendFileRequest struct {
	UserID    string `json:"user_id"`
	MailboxID string `json:"mailbox_id"`
	MediaID   string `json:"media_id"`
}

type uploadResponse struct {
	MediaID string `json:"media_id"`
}

// Sync pulls one page of inbox messages. The per-callback token comes from
// the decrypted webhook payload, not from client config.
func (c *Client) Sync(ctx context.Context, token string, mailboxID string, cursor string, pageSize int) (inbox.SyncPage, error) {
	var result syncResponse
	err := c.postJSON(ctx, "/v1/inbox/sync", syncRequest{
		Token:     token,
		MailboxID: mailboxID,
		Cursor:    cursor,
		PageSize:  pageSize,
	}, &result)
	if err != nil {
		return inbox.SyncPage{}, fmt.Errorf("%w: %v", inbox.ErrSync, err)
	}

	return inbox.SyncPage{
		Messages:   result.Messages,
		NextCursor: result.NextCursor,
		HasMore:    result.HasMore,
	}, nil
}

// SendText delivers one text message to a user.
func (c *Client) SendText(ctx context.Context, userID string, mailboxID string, text string) error {
	err := c.postJSON(ctx, "/v1/messages/text", sendTextRequest{
		UserID:    userID,
		MailboxID: mailboxID,
		Text:      text,
	}, nil)
	if err != nil {
		return fmt.Errorf("%w: send text: %v", ErrGateway, err)
	}

	return nil
}

// UploadFile uploads file content and returns the platform media id.
func (c *Client) UploadFile(ctx context.Context, content []byte, filename string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("media", filename)
	if err != nil {
		return "", fmt.Errorf("%w: upload file: %v", ErrGateway, err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("%w: upload file: %v", ErrGateway, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("%w: upload file: %v", ErrGateway, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/media/upload", &body)
	if err != nil {
		return "", fmt.Errorf("%w: upload file: %v", ErrGateway, err)
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())
	c.authorize(request)

	var result uploadResponse
	if err := c.do(request, &result); err != nil {
		return "", fmt.Errorf("%w: upload file: %v", ErrGateway, err)
	}
	if result.MediaID == "" {
		return "", fmt.Errorf("%w: upload returned empty media id", ErrGateway)
	}

	c.log.Debug("Uploaded file", "filename", filename, "media_id", result.MediaID, "bytes", len(content))
	return result.MediaID, nil
}

// SendFile delivers a previously uploaded file to a user.
func (c *Client) SendFile(ctx context.Context, userID string, mailboxID string, mediaID string) error {
	err := c.postJSON(ctx, "/v1/messages/file", sendFileRequest{
		UserID:    userID,
		MailboxID: mailboxID,
		MediaID:   mediaID,
	}, nil)
	if err != nil {
		return fmt.Errorf("%w: send file: %v", ErrGateway, err)
	}

	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	c.authorize(request)

	return c.do(request, result)
}

func (c *Client) do(request *http.Request, result any) error {
	startedAt := time.Now()
	log := c.log.With("operation", request.URL.Path)
	log.Debug("Platform request started")

	response, err := c.httpClient.Do(request)
	if err != nil {
		log.Debug("Platform request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		log.Debug("Platform request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "status", response.StatusCode)
		return fmt.Errorf("platform returned %d: %s", response.StatusCode, strings.TrimSpace(string(raw)))
	}

	if result != nil {
		if err := json.NewDecoder(response.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %v", err)
		}
	}
	log.Debug("Platform request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return nil
}

func (c *Client) authorize(request *http.Request) {
	if c.accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
}
