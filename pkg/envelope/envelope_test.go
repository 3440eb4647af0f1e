package envelope

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"deskrelay/pkg/config"
)

func newTestService(t *testing.T, handler http.Handler) *Service {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	service, err := New(config.CryptoConfig{
		BaseURL: server.URL,
		Token:   "verify-token",
	}, nil)
	require.NoError(t, err)

	return service
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()

	service := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/signature", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "verify-token", body["token"])
		require.Equal(t, "17", body["timestamp"])
		require.Equal(t, "n1", body["nonce"])
		require.Equal(t, "ciphertext-1", body["payload"])

		_ = json.NewEncoder(w).Encode(map[string]string{"signature": "computed-sig"})
	}))

	signature, err := service.VerifySignature(context.Background(), "17", "n1", "ciphertext-1")
	require.NoError(t, err)
	require.Equal(t, "computed-sig", signature)
}

func TestVerifySignatureRejectsEmptyResult(t *testing.T) {
	t.Parallel()

	service := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))

	_, err := service.VerifySignature(context.Background(), "17", "n1", "ciphertext-1")
	require.ErrorIs(t, err, ErrCrypto)
}

func TestDecrypt(t *testing.T) {
	t.Parallel()

	service := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/decrypt", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "ciphertext-1", body["ciphertext"])

		_ = json.NewEncoder(w).Encode(map[string]string{"plaintext": `{"token":"t","mailbox_id":"mb1"}`})
	}))

	plaintext, err := service.Decrypt(context.Background(), "ciphertext-1")
	require.NoError(t, err)
	require.Equal(t, `{"token":"t","mailbox_id":"mb1"}`, plaintext)
}

func TestEncrypt(t *testing.T) {
	t.Parallel()

	service := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/encrypt", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"ciphertext": "sealed"})
	}))

	ciphertext, err := service.Encrypt(context.Background(), "open")
	require.NoError(t, err)
	require.Equal(t, "sealed", ciphertext)
}

func TestOracleFailureIsCryptoError(t *testing.T) {
	t.Parallel()

	service := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "oracle down", http.StatusInternalServerError)
	}))

	_, err := service.Decrypt(context.Background(), "ciphertext-1")
	require.ErrorIs(t, err, ErrCrypto)
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(config.CryptoConfig{}, nil)
	require.Error(t, err)
}
