package turn

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/brightboard/tutorengine/chat"
	"github.com/brightboard/tutorengine/llm"
	"github.com/brightboard/tutorengine/moderation"
	"github.com/brightboard/tutorengine/tools"
)

// fakeRound scripts one model round for the fake client.
type fakeRound struct {
	deltas    []llm.Delta
	toolCalls []llm.ToolCall
	fault     *llm.Fault
	usage     llm.Usage
}

// fakeStreamClient plays back scripted rounds and captures every
// outbound request. A custom streamFn overrides the script entirely.
type fakeStreamClient struct {
	mu       sync.Mutex
	rounds   []fakeRound
	requests []*llm.ChatRequest
	streamFn func(ctx context.Context, req *llm.ChatRequest, onDelta func(llm.Delta)) *llm.StreamResult
}

func (f *fakeStreamClient) Model() string { return "fake-model" }

func (f *fakeStreamClient) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.Response, error) {
	return &llm.Response{Content: "ok", Model: f.Model()}, nil
}

func (f *fakeStreamClient) Completion(ctx context.Context, prompt string) (*llm.Response, error) {
	return &llm.Response{Content: "SAFE", Model: f.Model()}, nil
}

func (f *fakeStreamClient) StreamTurn(ctx context.Context, req *llm.ChatRequest, onDelta func(llm.Delta)) *llm.StreamResult {
	f.mu.Lock()
	idx := len(f.requests)
	f.requests = append(f.requests, req)
	fn := f.streamFn
	var round fakeRound
	if fn == nil && idx < len(f.rounds) {
		round = f.rounds[idx]
	}
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, req, onDelta)
	}

	res := &llm.StreamResult{Usage: round.usage}
	var text string
	for _, d := range round.deltas {
		if onDelta != nil {
			onDelta(d)
		}
		text += d.Text
	}
	if round.fault != nil {
		res.Fault = round.fault
		if text != "" {
			res.Messages = []llm.Message{llm.TextMessage(llm.RoleAssistant, text)}
		}
		return res
	}
	msg := llm.TextMessage(llm.RoleAssistant, text)
	msg.ToolCalls = round.toolCalls
	res.Messages = []llm.Message{msg}
	return res
}

func (f *fakeStreamClient) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeStreamClient) request(i int) *llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

// fakeTool records invocations in a shared order slice.
type fakeTool struct {
	name    string
	content string
	err     error
	display []llm.Message

	mu    *sync.Mutex
	order *[]string
}

func (t *fakeTool) Name() string                   { return t.name }
func (t *fakeTool) Description() string            { return "test tool" }
func (t *fakeTool) Schema() map[string]interface{} { return map[string]interface{}{"type": "object"} }

func (t *fakeTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	if t.mu != nil {
		t.mu.Lock()
		*t.order = append(*t.order, t.name)
		t.mu.Unlock()
	}
	if t.err != nil {
		return nil, t.err
	}
	return &tools.Result{Content: t.content, Display: t.display}, nil
}

func safeChecker() moderation.Checker {
	return moderation.CheckerFunc(func(ctx context.Context, question, fragment string) (bool, error) {
		return false, nil
	})
}

func unsafeChecker() moderation.Checker {
	return moderation.CheckerFunc(func(ctx context.Context, question, fragment string) (bool, error) {
		return true, nil
	})
}

// newTestService wires a service around an in-memory store holding one
// chat ("chat-1", token "tok-0"). Heartbeats are effectively disabled.
func newTestService(t *testing.T, client llm.Client, checker moderation.Checker, cfg Config) (*Service, *chat.InMemoryStore) {
	t.Helper()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	store := chat.NewInMemoryStore()
	err := store.Create(context.Background(), &chat.Chat{
		ID:       "chat-1",
		OwnerID:  "student-1",
		Question: "What is the derivative of x^2?",
		Token:    "tok-0",
	})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	svc, err := NewService(ServiceConfig{
		Store:   store,
		Client:  client,
		Checker: checker,
		Turn:    cfg,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, store
}

// drainEvents reads the subscription until it closes, skipping heartbeats.
func drainEvents(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var out []Event
	for {
		select {
		case ev, open := <-sub.C:
			if !open {
				return out
			}
			if ev.Type == EventHeartbeat {
				continue
			}
			out = append(out, ev)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out draining events, got %d so far", len(out))
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
