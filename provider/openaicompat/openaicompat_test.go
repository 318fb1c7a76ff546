package openaicompat_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/ineyio/quotarouter"
	"github.com/ineyio/quotarouter/provider/openaicompat"
)

func TestChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "small", body.Model)
		require.Len(t, body.Messages, 1)
		assert.Equal(t, "hi", body.Messages[0].Content)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cmpl-1","model":"small-2024","choices":[{"index":0,"message":{"role":"assistant","content":"hello"}}]}`))
	}))
	defer srv.Close()

	p := openaicompat.New("p1", srv.URL+"/v1/", "sk-test", "small")
	assert.Equal(t, "p1", p.ID())

	resp, err := p.ChatCompletion(context.Background(), quotarouter.ProviderRequest{
		ProviderID: "p1",
		Messages:   []quotarouter.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "cmpl-1", resp.ID)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "small-2024", resp.Model)
}

func TestExtraBody(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	p := openaicompat.New("p1", srv.URL, "", "small", openaicompat.WithExtraBody(map[string]any{
		"temperature":          0.2,
		"max_tokens":           64,
		"response_format.type": "text",
		"model":                "override",
	}))

	_, err := p.ChatCompletion(context.Background(), quotarouter.ProviderRequest{
		ProviderID: "p1",
		Messages:   []quotarouter.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	body := gjson.ParseBytes(got)
	assert.Equal(t, 0.2, body.Get("temperature").Float())
	assert.Equal(t, int64(64), body.Get("max_tokens").Int())
	assert.Equal(t, "text", body.Get("response_format.type").String())
	assert.Equal(t, "small", body.Get("model").String())
	assert.Equal(t, "hi", body.Get("messages.0.content").String())
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
		fatal  bool
	}{
		{http.StatusTooManyRequests, quotarouter.ErrRateLimited, false},
		{http.StatusUnauthorized, quotarouter.ErrAuthFailed, true},
		{http.StatusForbidden, quotarouter.ErrAuthFailed, true},
		{http.StatusBadRequest, quotarouter.ErrInvalidRequest, true},
		{http.StatusUnprocessableEntity, quotarouter.ErrInvalidRequest, true},
		{http.StatusInternalServerError, quotarouter.ErrProviderUnavailable, false},
		{http.StatusBadGateway, quotarouter.ErrProviderUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":{"message":"nope"}}`))
			}))
			defer srv.Close()

			p := openaicompat.New("p1", srv.URL, "", "")
			_, err := p.ChatCompletion(context.Background(), quotarouter.ProviderRequest{
				Messages: []quotarouter.Message{{Role: "user", Content: "hi"}},
			})
			require.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "nope")
			assert.Equal(t, tt.fatal, quotarouter.IsFatal(err))
		})
	}
}

func TestMalformedResponseIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	p := openaicompat.New("p1", srv.URL, "", "")
	_, err := p.ChatCompletion(context.Background(), quotarouter.ProviderRequest{
		Messages: []quotarouter.Message{{Role: "user", Content: "hi"}},
	})
	require.ErrorIs(t, err, quotarouter.ErrProviderUnavailable)
	assert.False(t, quotarouter.IsFatal(err))
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := openaicompat.New("p1", url, "", "")
	_, err := p.ChatCompletion(context.Background(), quotarouter.ProviderRequest{
		Messages: []quotarouter.Message{{Role: "user", Content: "hi"}},
	})
	require.ErrorIs(t, err, quotarouter.ErrProviderUnavailable)
}
