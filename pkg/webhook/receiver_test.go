package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
)

const validUpdate = `{"update_id":500,"message":{"message_id":1,"date":1700000000,"chat":{"id":42,"type":"private"},"from":{"id":42,"is_bot":false,"first_name":"Mika"},"text":"/start"}}`

func newServer(t *testing.T, cfg Config, queue bus.Queue) *httptest.Server {
	t.Helper()
	router := chi.NewRouter()
	NewReceiver(cfg, queue, nil, nil, nil).Mount(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func post(t *testing.T, server *httptest.Server, path, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestReceiverEnqueuesValidUpdate(t *testing.T) {
	queue := bus.NewMessageBus(4)
	server := newServer(t, Config{Secret: "s3cret"}, queue)

	resp := post(t, server, "/webhook", validUpdate, map[string]string{SecretHeader: "s3cret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	delivery, ok := queue.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "telegram:500", delivery.Event.ID)
	assert.Equal(t, "42", delivery.Event.ChatID)
	assert.Equal(t, bus.KindCommand, delivery.Event.Kind)
	assert.Equal(t, "start", delivery.Event.Command)
}

func TestReceiverRejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		header map[string]string
		want   int
	}{
		{name: "missing secret", body: validUpdate, want: http.StatusUnauthorized},
		{name: "wrong secret", body: validUpdate, header: map[string]string{SecretHeader: "nope"}, want: http.StatusUnauthorized},
		{name: "not json", body: "{not json", header: map[string]string{SecretHeader: "s3cret"}, want: http.StatusBadRequest},
		{name: "json array", body: "[1,2]", header: map[string]string{SecretHeader: "s3cret"}, want: http.StatusBadRequest},
		{name: "missing update id", body: `{"message":{}}`, header: map[string]string{SecretHeader: "s3cret"}, want: http.StatusBadRequest},
		{name: "too large", body: `{"update_id":1,"pad":"` + strings.Repeat("x", 2048) + `"}`, header: map[string]string{SecretHeader: "s3cret"}, want: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := bus.NewMessageBus(4)
			server := newServer(t, Config{Secret: "s3cret", MaxBodyBytes: 1024}, queue)

			resp := post(t, server, "/webhook", tt.body, tt.header)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Zero(t, queue.Pending())
		})
	}
}

func TestReceiverAcknowledgesUnsupportedUpdates(t *testing.T) {
	queue := bus.NewMessageBus(4)
	server := newServer(t, Config{}, queue)

	resp := post(t, server, "/webhook", `{"update_id":9,"edited_message":{"message_id":1,"date":0,"chat":{"id":1,"type":"private"},"text":"x"}}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, queue.Pending())
}

func TestReceiverReturns503WhenQueueIsFull(t *testing.T) {
	queue := bus.NewMessageBus(1)
	require.NoError(t, queue.PublishInbound(context.Background(), bus.InboundEvent{ID: "filler"}))
	server := newServer(t, Config{EnqueueTimeout: 20 * time.Millisecond}, queue)

	start := time.Now()
	resp := post(t, server, "/webhook", validUpdate, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Less(t, time.Since(start), time.Second)
}

func TestReceiverOnlyAcceptsPost(t *testing.T) {
	server := newServer(t, Config{Path: "/hook/abc"}, bus.NewMessageBus(1))

	resp, err := server.Client().Get(server.URL + "/hook/abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	ok := post(t, server, "/hook/abc", validUpdate, nil)
	assert.Equal(t, http.StatusOK, ok.StatusCode)
}
