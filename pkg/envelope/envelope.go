// Package envelope talks to the remote crypto oracle that verifies and
// seals webhook envelopes. The relay never handles key material itself.
package envelope

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"deskrelay/pkg/config"
)

// ErrCrypto marks any failure at the crypto boundary; a callback that hits
// one is abandoned without a reply.
var ErrCrypto = errors.New("crypto error")

const defaultRequestTimeout = 30 * time.Second

// Service is the HTTP client for the crypto oracle.
type Service struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	requestTimeout time.Duration
	log            *slog.Logger
}

// New validates crypto config and constructs the oracle client.
func New(cfg config.CryptoConfig, log *slog.Logger) (*Service, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("crypto.base_url is required")
	}

	requestTimeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	if log == nil {
		log = slog.Default()
	}

	return &Service{
		baseURL:        baseURL,
		token:          strings.TrimSpace(cfg.Token),
		httpClient:     &http.Client{Timeout: requestTimeout},
		requestTimeout: requestTimeout,
		log:            log.With("component", "envelope"),
	}, nil
}

type signatureRequest struct {
	Token     string `json:"token"`
	Timestamp string `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Payload   string `json:"payload"`
}

type signatureResponse struct {
	Signature string `json:"signature"`
}

type decryptRequest struct {
	Ciphertext string `json:"ciphertext"`
}

type decryptResponse struct {
	Plaintext string `json:"plaintext"`
}

type encryptRequest struct {
	Plaintext string `json:"plaintext"`
}

type encryptResponse struct {
	Ciphertext string `json:"ciphertext"`
}

// VerifySignature computes the oracle's signature over the envelope fields.
// Callers compare the result against the signature carried by the webhook.
func (s *Service) VerifySignature(ctx context.Context, timestamp string, nonce string, payload string) (string, error) {
	var result signatureResponse
	err := s.post(ctx, "/v1/signature", signatureRequest{
		Token:     s.token,
		Timestamp: timestamp,
		Nonce:     nonce,
		Payload:   payload,
	}, &result)
	if err != nil {
		return "", err
	}
	if result.Signature == "" {
		return "", fmt.Errorf("%w: oracle returned empty signature", ErrCrypto)
	}

	return result.Signature, nil
}

// Decrypt opens a ciphertext envelope and returns the plaintext.
func (s *Service) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	var result decryptResponse
	if err := s.post(ctx, "/v1/decrypt", decryptRequest{Ciphertext: ciphertext}, &result); err != nil {
		return "", err
	}

	return result.Plaintext, nil
}

// Encrypt seals a plaintext for outbound envelopes.
func (s *Service) Encrypt(ctx context.Context, plaintext string) (string, error) {
	var result encryptResponse
	if err := s.post(ctx, "/v1/encrypt", encryptRequest{Plaintext: plaintext}, &result); err != nil {
		return "", err
	}

	return result.Ciphertext, nil
}

func (s *Service) post(ctx context.Context, path string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", ErrCrypto, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	startedAt := time.Now()
	log := s.log.With("operation", path)
	log.Debug("Oracle request started")

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrCrypto, err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := s.httpClient.Do(request)
	if err != nil {
		log.Debug("Oracle request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		log.Debug("Oracle request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "status", response.StatusCode)
		return fmt.Errorf("%w: oracle returned %d: %s", ErrCrypto, response.StatusCode, strings.TrimSpace(string(raw)))
	}

	if err := json.NewDecoder(response.Body).Decode(result); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrCrypto, err)
	}
	log.Debug("Oracle request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return nil
}
