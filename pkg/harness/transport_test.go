package harness

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCreds struct {
	token     string
	refreshed int32
}

func (c *staticCreds) Token(ctx context.Context) (string, error) { return c.token, nil }
func (c *staticCreds) Refresh(ctx context.Context) error {
	atomic.AddInt32(&c.refreshed, 1)
	return nil
}

func sseBody(t *testing.T) string {
	t.Helper()
	return "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":1}}}\n\n" +
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\"}}\n\n" +
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\n\n" +
		"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n" +
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":1}}\n\n" +
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"
}

func TestTransportStreamMessageHappyPath(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("authorization")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(sseBody(t)))
	}))
	defer srv.Close()

	creds := &staticCreds{token: "tok-1"}
	client := NewTransportClient(srv.URL, creds)

	events, err := client.StreamMessage(context.Background(), RequestParams{
		Model:     "claude-x",
		MaxTokens: 100,
		Messages:  []Message{{Role: RoleUser, Content: []Block{{Type: BlockText, Text: "hi"}}}},
	})
	require.NoError(t, err)
	require.Len(t, events, 6)
	assert.Equal(t, "Bearer tok-1", gotAuth)
}

func TestTransportStreamMessageRetriesOnceOn401(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(sseBody(t)))
	}))
	defer srv.Close()

	creds := &staticCreds{token: "tok-1"}
	client := NewTransportClient(srv.URL, creds)

	events, err := client.StreamMessage(context.Background(), RequestParams{Model: "claude-x", MaxTokens: 100})
	require.NoError(t, err)
	require.Len(t, events, 6)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&creds.refreshed))
}

func TestTransportStreamMessageDoesNotRetryTwiceOn401(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	creds := &staticCreds{token: "tok-1"}
	client := NewTransportClient(srv.URL, creds)

	_, err := client.StreamMessage(context.Background(), RequestParams{Model: "claude-x", MaxTokens: 100})
	require.Error(t, err)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, TransportAuthentication, te.Kind)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "one initial attempt plus exactly one retry")
}

func TestTransportClassifiesRateLimitedWithRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("retry-after", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewTransportClient(srv.URL, &staticCreds{token: "x"})
	_, err := client.StreamMessage(context.Background(), RequestParams{Model: "claude-x", MaxTokens: 100})
	require.Error(t, err)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, TransportRateLimited, te.Kind)
	assert.Equal(t, 7, te.RetryAfter)
}

func TestTransportClassifiesOverloaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
	}))
	defer srv.Close()

	client := NewTransportClient(srv.URL, &staticCreds{token: "x"})
	_, err := client.StreamMessage(context.Background(), RequestParams{Model: "claude-x", MaxTokens: 100})
	require.Error(t, err)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, TransportOverloaded, te.Kind)
}

func TestTransportRequiredSystemPrefixAlwaysFirstWithCacheControl(t *testing.T) {
	var captured wireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(sseBody(t)))
	}))
	defer srv.Close()

	client := NewTransportClient(srv.URL, &staticCreds{token: "x"})
	_, err := client.StreamMessage(context.Background(), RequestParams{
		Model:     "claude-x",
		MaxTokens: 100,
		System:    []string{"extra instructions"},
	})
	require.NoError(t, err)

	require.Len(t, captured.System, 2)
	assert.Equal(t, requiredSystemPrefix, captured.System[0].Text)
	assert.NotEmpty(t, captured.System[0].CacheControl)
	assert.Equal(t, "extra instructions", captured.System[1].Text)
	assert.NotEmpty(t, captured.System[1].CacheControl, "last caller system block carries the second breakpoint")
}

func TestTransportHistoryCacheBreakpointOnSecondToLastUserMessage(t *testing.T) {
	var captured wireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(sseBody(t)))
	}))
	defer srv.Close()

	client := NewTransportClient(srv.URL, &staticCreds{token: "x"})
	messages := []Message{
		{Role: RoleUser, Content: []Block{{Type: BlockText, Text: "first"}}},
		{Role: RoleAssistant, Content: []Block{{Type: BlockText, Text: "reply"}}},
		{Role: RoleUser, Content: []Block{{Type: BlockText, Text: "second"}}},
		{Role: RoleAssistant, Content: []Block{{Type: BlockText, Text: "reply2"}}},
		{Role: RoleUser, Content: []Block{{Type: BlockText, Text: "third"}}},
	}
	_, err := client.StreamMessage(context.Background(), RequestParams{
		Model:     "claude-x",
		MaxTokens: 100,
		Messages:  messages,
	})
	require.NoError(t, err)

	require.Len(t, captured.Messages, 5)
	assert.NotEmpty(t, captured.Messages[2].Content[0].CacheControl, "second-to-last user message carries the history breakpoint")
	assert.Empty(t, captured.Messages[4].Content[0].CacheControl, "last user message never carries the history breakpoint")
	assert.Empty(t, captured.Messages[0].Content[0].CacheControl)
}

func TestTransportTimeoutClassification(t *testing.T) {
	client := NewTransportClient("http://127.0.0.1:0", &staticCreds{token: "x"}, WithTimeout(1))
	_, err := client.StreamMessage(context.Background(), RequestParams{Model: "claude-x", MaxTokens: 100})
	require.Error(t, err)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, TransportTimeout, te.Kind)
}
