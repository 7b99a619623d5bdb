package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIProvider_Chat(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  PROCEED \n"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL+"/", "secret", "test-model", time.Second)
	out, err := p.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "classify"},
		{Role: RoleUser, Content: "oi"},
	}, WithTemperature(0), WithMaxTokens(15))
	require.NoError(t, err)

	assert.Equal(t, "PROCEED", out)
	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, 15, got.MaxTokens)
	assert.Len(t, got.Messages, 2)
}

func TestOpenAIProvider_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIProvider(srv.URL, "", "m", time.Second).Chat(context.Background(), nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
}

func TestOpenAIProvider_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIProvider(srv.URL, "", "m", time.Second).Chat(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestOpenAIProvider_ContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewOpenAIProvider(srv.URL, "", "m", time.Minute).Chat(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
