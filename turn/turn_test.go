package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/brightboard/tutorengine/llm"
	"github.com/brightboard/tutorengine/moderation"
)

func TestMergeDeltaAppendsToLastTextNode(t *testing.T) {
	acc := llm.Message{Role: llm.RoleAssistant}
	acc = mergeDelta(acc, llm.Delta{Text: "Hello"})
	acc = mergeDelta(acc, llm.Delta{Text: ", world"})
	acc = mergeDelta(acc, llm.Delta{Reasoning: "thinking"})

	if got := acc.Text(); got != "Hello, world" {
		t.Fatalf("text = %q, want %q", got, "Hello, world")
	}
	if len(acc.Content) != 1 {
		t.Fatalf("content nodes = %d, want 1", len(acc.Content))
	}
	if acc.Reasoning != "thinking" {
		t.Fatalf("reasoning = %q", acc.Reasoning)
	}
}

func TestMergeDeltaDoesNotMutateInput(t *testing.T) {
	base := llm.Message{Role: llm.RoleAssistant, Content: []llm.ContentNode{{Kind: llm.ContentText, Text: "a"}}}
	_ = mergeDelta(base, llm.Delta{Text: "b"})
	if got := base.Text(); got != "a" {
		t.Fatalf("input mutated: %q", got)
	}
}

func TestTurnHappyPathPersistsHistory(t *testing.T) {
	proceed := make(chan struct{})
	client := &fakeStreamClient{}
	client.streamFn = func(ctx context.Context, req *llm.ChatRequest, onDelta func(llm.Delta)) *llm.StreamResult {
		onDelta(llm.Delta{Text: "Hello"})
		onDelta(llm.Delta{Text: ", world"})
		<-proceed
		return &llm.StreamResult{
			Messages: []llm.Message{llm.TextMessage(llm.RoleAssistant, "Hello, world")},
			Usage:    llm.Usage{PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8},
		}
	}
	svc, store := newTestService(t, client, safeChecker(), Config{})

	token, err := svc.StartTurn(context.Background(), "chat-1", "tok-0", "hi there", "")
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	if token == "tok-0" || token == "" {
		t.Fatalf("token was not rotated: %q", token)
	}

	sub, err := svc.ListenTurn(context.Background(), "chat-1", token)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	close(proceed)
	events := drainEvents(t, sub)

	// Snapshot plus deltas must reconstruct exactly the final answer.
	var rebuilt strings.Builder
	var final *llm.Message
	var usage *llm.Usage
	for i, ev := range events {
		switch ev.Type {
		case EventMessageDelta:
			if i == 0 && ev.Message != nil {
				rebuilt.WriteString(ev.Message.Text())
			} else {
				rebuilt.WriteString(ev.Delta.Text)
			}
		case EventFinished:
			final = ev.Message
			usage = ev.Usage
		}
	}
	if final == nil {
		t.Fatalf("no finished event in %d events", len(events))
	}
	if final.Text() != "Hello, world" {
		t.Fatalf("final text = %q", final.Text())
	}
	if rebuilt.String() != "Hello, world" {
		t.Fatalf("snapshot+deltas = %q, want %q", rebuilt.String(), "Hello, world")
	}
	if usage == nil || usage.TotalTokens != 8 {
		t.Fatalf("usage = %+v", usage)
	}

	waitFor(t, func() bool {
		c, err := store.Load(context.Background(), "chat-1")
		return err == nil && len(c.History) == 2
	})
	c, _ := store.Load(context.Background(), "chat-1")
	if c.History[0].Role != llm.RoleUser || c.History[0].Text() != "hi there" {
		t.Fatalf("history[0] = %+v", c.History[0])
	}
	if c.History[1].Role != llm.RoleAssistant || c.History[1].Text() != "Hello, world" {
		t.Fatalf("history[1] = %+v", c.History[1])
	}
	if c.Banned {
		t.Fatalf("chat unexpectedly banned")
	}
	if c.Token != token {
		t.Fatalf("stored token = %q, want %q", c.Token, token)
	}
}

func TestStartTurnStaleToken(t *testing.T) {
	svc, _ := newTestService(t, &fakeStreamClient{}, safeChecker(), Config{})
	if _, err := svc.StartTurn(context.Background(), "chat-1", "wrong", "hi", ""); !errors.Is(err, ErrStaleToken) {
		t.Fatalf("err = %v, want ErrStaleToken", err)
	}
}

func TestStartTurnBannedChat(t *testing.T) {
	svc, store := newTestService(t, &fakeStreamClient{}, safeChecker(), Config{})
	if err := store.Save(context.Background(), "chat-1", nil, "tok-0", true); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := svc.StartTurn(context.Background(), "chat-1", "tok-0", "hi", ""); !errors.Is(err, ErrChatBanned) {
		t.Fatalf("err = %v, want ErrChatBanned", err)
	}
}

func TestStartTurnWhileInProgress(t *testing.T) {
	proceed := make(chan struct{})
	client := &fakeStreamClient{}
	client.streamFn = func(ctx context.Context, req *llm.ChatRequest, onDelta func(llm.Delta)) *llm.StreamResult {
		<-proceed
		return &llm.StreamResult{Messages: []llm.Message{llm.TextMessage(llm.RoleAssistant, "done")}}
	}
	svc, _ := newTestService(t, client, safeChecker(), Config{})

	token, err := svc.StartTurn(context.Background(), "chat-1", "tok-0", "first", "")
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}

	// The old token is stale, the fresh one collides with the live turn.
	if _, err := svc.StartTurn(context.Background(), "chat-1", "tok-0", "second", ""); !errors.Is(err, ErrStaleToken) {
		t.Fatalf("old token err = %v, want ErrStaleToken", err)
	}
	if _, err := svc.StartTurn(context.Background(), "chat-1", token, "second", ""); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("fresh token err = %v, want ErrTurnInProgress", err)
	}

	close(proceed)
	waitFor(t, func() bool { return svc.Registry().Len() == 0 })
}

func TestConcurrentAdmissionSingleWinner(t *testing.T) {
	proceed := make(chan struct{})
	client := &fakeStreamClient{}
	client.streamFn = func(ctx context.Context, req *llm.ChatRequest, onDelta func(llm.Delta)) *llm.StreamResult {
		<-proceed
		return &llm.StreamResult{Messages: []llm.Message{llm.TextMessage(llm.RoleAssistant, "done")}}
	}
	svc, _ := newTestService(t, client, safeChecker(), Config{})

	const callers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.StartTurn(context.Background(), "chat-1", "tok-0", "race", "")
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrStaleToken) && !errors.Is(err, ErrTurnInProgress) {
				t.Errorf("unexpected admission error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}

	close(proceed)
	waitFor(t, func() bool { return svc.Registry().Len() == 0 })
}

func TestModerationBansMidStream(t *testing.T) {
	emit := make(chan struct{})
	streamRelease := make(chan struct{})
	client := &fakeStreamClient{}
	client.streamFn = func(ctx context.Context, req *llm.ChatRequest, onDelta func(llm.Delta)) *llm.StreamResult {
		<-emit
		onDelta(llm.Delta{Text: "something a student should never read"})
		<-streamRelease
		return &llm.StreamResult{Messages: []llm.Message{llm.TextMessage(llm.RoleAssistant, "something a student should never read")}}
	}
	cfg := Config{ModerationThreshold: 10, BannedText: "This chat cannot continue."}
	svc, store := newTestService(t, client, unsafeChecker(), cfg)

	token, err := svc.StartTurn(context.Background(), "chat-1", "tok-0", "tell me", "")
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	sub, err := svc.ListenTurn(context.Background(), "chat-1", token)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	close(emit)
	// The async check bans while the stream is still in flight.
	events := drainEvents(t, sub)
	close(streamRelease)

	last := events[len(events)-1]
	if last.Type != EventBanned {
		t.Fatalf("last event = %s, want banned", last.Type)
	}
	if last.Message == nil || last.Message.Text() != "This chat cannot continue." {
		t.Fatalf("banned message = %+v", last.Message)
	}

	waitFor(t, func() bool {
		c, err := store.Load(context.Background(), "chat-1")
		return err == nil && c.Banned
	})
	c, _ := store.Load(context.Background(), "chat-1")
	if len(c.History) != 2 {
		t.Fatalf("history len = %d, want 2", len(c.History))
	}
	if c.History[1].Text() != "This chat cannot continue." {
		t.Fatalf("persisted answer = %q", c.History[1].Text())
	}

	waitFor(t, func() bool { return svc.Registry().Len() == 0 })
	if _, err := svc.StartTurn(context.Background(), "chat-1", token, "again", ""); !errors.Is(err, ErrChatBanned) {
		t.Fatalf("restart err = %v, want ErrChatBanned", err)
	}
}

func TestFinalCheckBansShortAnswer(t *testing.T) {
	// Too short for the threshold, caught by the forced final pass.
	client := &fakeStreamClient{rounds: []fakeRound{{
		deltas: []llm.Delta{{Text: "bad"}},
	}}}
	svc, store := newTestService(t, client, unsafeChecker(), Config{})

	if _, err := svc.StartTurn(context.Background(), "chat-1", "tok-0", "q", ""); err != nil {
		t.Fatalf("start turn: %v", err)
	}
	waitFor(t, func() bool {
		c, err := store.Load(context.Background(), "chat-1")
		return err == nil && c.Banned
	})
	c, _ := store.Load(context.Background(), "chat-1")
	if got := c.History[1].Text(); got != "This chat cannot continue." {
		t.Fatalf("persisted answer = %q", got)
	}
}

func TestStreamFaultAppendsApologyAndKeepsPartial(t *testing.T) {
	client := &fakeStreamClient{rounds: []fakeRound{{
		deltas: []llm.Delta{{Text: "The derivative is 2"}},
		fault:  &llm.Fault{Kind: llm.FaultUpstreamUnavailable, Cause: errors.New("502")},
	}}}
	cfg := Config{ApologyText: "apology", Divider: "\n--\n"}
	svc, store := newTestService(t, client, safeChecker(), cfg)

	token, err := svc.StartTurn(context.Background(), "chat-1", "tok-0", "derive", "")
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}

	waitFor(t, func() bool {
		c, err := store.Load(context.Background(), "chat-1")
		return err == nil && len(c.History) == 2
	})
	c, _ := store.Load(context.Background(), "chat-1")
	got := c.History[1].Text()
	if got != "The derivative is 2\n--\napology" {
		t.Fatalf("persisted answer = %q", got)
	}
	if c.Banned {
		t.Fatalf("fault must not ban the chat")
	}
	if c.Token != token {
		t.Fatalf("stored token = %q, want %q", c.Token, token)
	}
}

func TestCancelMidStreamPersistsPartial(t *testing.T) {
	client := &fakeStreamClient{}
	client.streamFn = func(ctx context.Context, req *llm.ChatRequest, onDelta func(llm.Delta)) *llm.StreamResult {
		onDelta(llm.Delta{Text: "partial answer"})
		<-ctx.Done()
		return &llm.StreamResult{
			Messages: []llm.Message{llm.TextMessage(llm.RoleAssistant, "partial answer")},
			Fault:    &llm.Fault{Kind: llm.FaultCancelled, Cause: ctx.Err()},
		}
	}
	cfg := Config{ApologyText: "apology", Divider: "\n--\n"}
	svc, store := newTestService(t, client, safeChecker(), cfg)

	if _, err := svc.StartTurn(context.Background(), "chat-1", "tok-0", "go", ""); err != nil {
		t.Fatalf("start turn: %v", err)
	}
	waitFor(t, func() bool { return client.requestCount() == 1 })
	if !svc.CancelTurn("chat-1") {
		t.Fatalf("cancel found no live turn")
	}

	waitFor(t, func() bool {
		c, err := store.Load(context.Background(), "chat-1")
		return err == nil && len(c.History) == 2
	})
	c, _ := store.Load(context.Background(), "chat-1")
	if got := c.History[1].Text(); got != "partial answer\n--\napology" {
		t.Fatalf("persisted answer = %q", got)
	}
}

func TestStreamEndCheckSkipsInFlightSuffix(t *testing.T) {
	var mu sync.Mutex
	var fragments []string
	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	first := true
	checker := moderation.CheckerFunc(func(ctx context.Context, q, frag string) (bool, error) {
		mu.Lock()
		fragments = append(fragments, frag)
		isFirst := first
		first = false
		mu.Unlock()
		if isFirst {
			close(firstStarted)
			<-releaseFirst
		}
		return false, nil
	})

	head := strings.Repeat("a", 40)
	client := &fakeStreamClient{}
	client.streamFn = func(ctx context.Context, req *llm.ChatRequest, onDelta func(llm.Delta)) *llm.StreamResult {
		onDelta(llm.Delta{Text: head})
		// Hold the stream open until the async check is in flight, then
		// finish with a short tail. The final pass races that check.
		<-firstStarted
		onDelta(llm.Delta{Text: "tail"})
		return &llm.StreamResult{Messages: []llm.Message{llm.TextMessage(llm.RoleAssistant, head+"tail")}}
	}
	svc, store := newTestService(t, client, checker, Config{ModerationThreshold: 10})

	if _, err := svc.StartTurn(context.Background(), "chat-1", "tok-0", "q", ""); err != nil {
		t.Fatalf("start turn: %v", err)
	}

	// The final pass must scan only the tail while the first check is
	// still in flight over the head; the same text is never re-scanned.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fragments) == 2
	})
	close(releaseFirst)
	waitFor(t, func() bool {
		c, err := store.Load(context.Background(), "chat-1")
		return err == nil && len(c.History) == 2
	})
	waitFor(t, func() bool { return svc.Registry().Len() == 0 })

	mu.Lock()
	defer mu.Unlock()
	if len(fragments) != 2 {
		t.Fatalf("fragments = %d, want 2", len(fragments))
	}
	if fragments[0] != head {
		t.Fatalf("fragment 0 = %q", fragments[0])
	}
	if fragments[1] != "tail" {
		t.Fatalf("fragment 1 = %q, want only the unscanned tail", fragments[1])
	}
	if fragments[0]+fragments[1] != head+"tail" {
		t.Fatalf("fragments do not partition the response")
	}
}

func TestModerationFragmentsStayValidUTF8(t *testing.T) {
	var fragments []string
	tn := newBareTurn()
	tn.cfg.ModerationThreshold = 4
	tn.checker = moderation.CheckerFunc(func(ctx context.Context, q, frag string) (bool, error) {
		fragments = append(fragments, frag)
		return false, nil
	})

	// The first delta ends mid-rune: only the leading byte of an "é"
	// has arrived when the threshold trips.
	tn.acc = mergeDelta(tn.acc, llm.Delta{Text: "abcd\xc3"})
	tn.checkSuffix(false)
	tn.acc = mergeDelta(tn.acc, llm.Delta{Text: "\xa9xyz"})
	tn.checkSuffix(true)

	if len(fragments) != 2 {
		t.Fatalf("fragments = %q", fragments)
	}
	for i, f := range fragments {
		if !utf8.ValidString(f) {
			t.Fatalf("fragment %d is not valid UTF-8: %q", i, f)
		}
	}
	if fragments[0] != "abcd" {
		t.Fatalf("fragment 0 = %q, want the rune left for the next scan", fragments[0])
	}
	if fragments[0]+fragments[1] != "abcdéxyz" {
		t.Fatalf("fragments do not partition the response: %q", fragments)
	}
}

func TestListenTurnErrors(t *testing.T) {
	svc, _ := newTestService(t, &fakeStreamClient{}, safeChecker(), Config{})
	if _, err := svc.ListenTurn(context.Background(), "chat-1", "wrong"); !errors.Is(err, ErrStaleToken) {
		t.Fatalf("err = %v, want ErrStaleToken", err)
	}
	if _, err := svc.ListenTurn(context.Background(), "chat-1", "tok-0"); !errors.Is(err, ErrNoActiveTurn) {
		t.Fatalf("err = %v, want ErrNoActiveTurn", err)
	}
}
