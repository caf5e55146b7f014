package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brightboard/tutorengine/chat"
	"github.com/brightboard/tutorengine/llm"
	"github.com/brightboard/tutorengine/moderation"
	"github.com/brightboard/tutorengine/turn"
)

type fakeClient struct {
	release chan struct{}
}

func (f *fakeClient) Model() string { return "fake" }

func (f *fakeClient) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.Response, error) {
	return &llm.Response{Content: "ok"}, nil
}

func (f *fakeClient) Completion(ctx context.Context, prompt string) (*llm.Response, error) {
	return &llm.Response{Content: "SAFE"}, nil
}

func (f *fakeClient) StreamTurn(ctx context.Context, req *llm.ChatRequest, onDelta func(llm.Delta)) *llm.StreamResult {
	onDelta(llm.Delta{Text: "an answer"})
	if f.release != nil {
		<-f.release
	}
	return &llm.StreamResult{Messages: []llm.Message{llm.TextMessage(llm.RoleAssistant, "an answer")}}
}

func newTestServer(t *testing.T, client llm.Client) (*httptest.Server, chat.Store) {
	t.Helper()
	store := chat.NewInMemoryStore()
	checker := moderation.CheckerFunc(func(ctx context.Context, q, frag string) (bool, error) {
		return false, nil
	})
	svc, err := turn.NewService(turn.ServiceConfig{Store: store, Client: client, Checker: checker})
	require.NoError(t, err)
	srv := New(svc, store, Config{})
	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)
	return ts, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func TestCreateChat(t *testing.T) {
	ts, store := newTestServer(t, &fakeClient{})

	resp := postJSON(t, ts.URL+"/chats", createChatRequest{OwnerID: "s1", Question: "why?"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out createChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.ChatID)
	require.NotEmpty(t, out.Token)

	c, err := store.Load(context.Background(), out.ChatID)
	require.NoError(t, err)
	require.Equal(t, "why?", c.Question)
}

func TestStartTurnRejections(t *testing.T) {
	ts, store := newTestServer(t, &fakeClient{release: make(chan struct{})})
	require.NoError(t, store.Create(context.Background(), &chat.Chat{ID: "c1", Token: "t0"}))

	resp := postJSON(t, ts.URL+"/chats/c1/turns", startTurnRequest{Token: "bad", Content: "hi"})
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/chats/missing/turns", startTurnRequest{Token: "t0", Content: "hi"})
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/chats/c1/turns", startTurnRequest{Token: "t0"})
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamDeliversEventsUntilDone(t *testing.T) {
	release := make(chan struct{})
	ts, store := newTestServer(t, &fakeClient{release: release})
	require.NoError(t, store.Create(context.Background(), &chat.Chat{ID: "c1", Token: "t0"}))

	resp := postJSON(t, ts.URL+"/chats/c1/turns", startTurnRequest{Token: "t0", Content: "hi"})
	var started startTurnResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	resp.Body.Close()
	require.NotEmpty(t, started.Token)

	stream, err := http.Get(fmt.Sprintf("%s/chats/c1/stream?token=%s", ts.URL, started.Token))
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	// The catch-up snapshot arrives immediately; only then unblock the
	// model so the turn can finish.
	reader := bufio.NewReader(stream.Body)
	var buf strings.Builder
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		buf.WriteString(line)
		if strings.HasPrefix(line, "data:") {
			break
		}
	}
	close(release)

	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	buf.Write(rest)

	body := buf.String()
	require.Contains(t, body, "event: message_delta")
	require.Contains(t, body, "event: finished")
	require.Contains(t, body, "event: done")
	require.Contains(t, body, "an answer")
}

func TestStreamNoActiveTurn(t *testing.T) {
	ts, store := newTestServer(t, &fakeClient{})
	require.NoError(t, store.Create(context.Background(), &chat.Chat{ID: "c1", Token: "t0"}))

	resp, err := http.Get(ts.URL + "/chats/c1/stream?token=t0")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, &fakeClient{})
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
