package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
)

func TestSendSignsPayload(t *testing.T) {
	var gotSig, gotTS string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(headerSignature)
		gotTS = r.Header.Get(headerTimestamp)
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	s := New("topsecret", time.Second, 1)
	ev := domain.WebhookEvent{InstanceID: "i-1", Status: "ready"}
	require.NoError(t, s.Send(context.Background(), srv.URL, ev))

	require.NotEmpty(t, gotSig)
	require.NotEmpty(t, gotTS)
	assert.True(t, Verify("topsecret", gotSig, gotBody))
	assert.False(t, Verify("wrong", gotSig, gotBody))

	var decoded domain.WebhookEvent
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "i-1", decoded.InstanceID)
}

// The signature covers the raw body bytes and nothing else; a receiver that
// never reads the timestamp header must still be able to verify.
func TestSignatureCoversBodyBytesOnly(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(headerSignature)
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	s := New("topsecret", time.Second, 1)
	require.NoError(t, s.Send(context.Background(), srv.URL, domain.WebhookEvent{InstanceID: "i-9", Status: "stopped"}))

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestSendOmitsSignatureWithoutSecret(t *testing.T) {
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get(headerSignature)
	}))
	defer srv.Close()

	s := New("", time.Second, 1)
	require.NoError(t, s.Send(context.Background(), srv.URL, domain.WebhookEvent{}))
	assert.Empty(t, sig)
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	s := New("k", time.Second, 2)
	require.NoError(t, s.Send(context.Background(), srv.URL, domain.WebhookEvent{}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestSendTreatsRejectionAsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	s := New("k", time.Second, 3)
	// The receiver saw the event and said no; that is a delivered outcome.
	require.NoError(t, s.Send(context.Background(), srv.URL, domain.WebhookEvent{}))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendReturnsErrorWhenReceiverStaysDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	srv.Close() // connection refused from the first attempt

	s := New("k", time.Second, 1)
	err := s.Send(context.Background(), srv.URL, domain.WebhookEvent{})
	require.Error(t, err)
}

func TestSendNoopOnEmptyURL(t *testing.T) {
	s := New("k", time.Second, 1)
	require.NoError(t, s.Send(context.Background(), "", domain.WebhookEvent{}))
}
