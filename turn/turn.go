package turn

import (
	"context"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/brightboard/tutorengine/chat"
	"github.com/brightboard/tutorengine/llm"
	"github.com/brightboard/tutorengine/moderation"
	"github.com/brightboard/tutorengine/observability"
)

// State is the lifecycle state of a turn.
type State string

const (
	StateCreated   State = "created"
	StateStreaming State = "streaming"
	StateChecking  State = "checking"
	StateFinished  State = "finished"
	StateBanned    State = "banned"
	StateErrored   State = "errored"
)

// Config tunes turn behavior. Zero values get defaults.
type Config struct {
	// ModerationThreshold is the number of unchecked reasoning+content
	// characters that triggers an async moderation pass.
	ModerationThreshold int
	// MaxToolRounds caps model/tool round-trips per turn.
	MaxToolRounds int
	// HeartbeatInterval spaces keep-alive events.
	HeartbeatInterval time.Duration
	// BannedText replaces the generated answer when a chat is banned.
	BannedText string
	// ApologyText is appended to the visible response on an error.
	ApologyText string
	// Divider separates already-shown content from the apology.
	Divider string
	Hooks   *observability.Hooks
}

func (c *Config) withDefaults() {
	if c.ModerationThreshold <= 0 {
		c.ModerationThreshold = 500
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 8
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.BannedText == "" {
		c.BannedText = "This chat cannot continue."
	}
	if c.ApologyText == "" {
		c.ApologyText = "Sorry, something went wrong while generating this answer. Please try again."
	}
	if c.Divider == "" {
		c.Divider = "\n\n---\n\n"
	}
}

// Turn owns one user-message-to-assistant-answer cycle. All mutable
// fields are guarded by mu; merge and check never race on them.
type Turn struct {
	id      string
	chatID  string
	token   string
	question string

	prior   []llm.Message
	userMsg llm.Message

	loop    *Loop
	checker moderation.Checker
	store   chat.Store
	cfg     Config

	// onTerminal deregisters the turn from the active index.
	onTerminal func(*Turn)

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	acc   llm.Message // accumulated assistant response
	usage llm.Usage
	// checkedChars is the length of the classified prefix; claimedChars
	// additionally covers the suffix an in-flight scan is working on.
	// Scans always start past both, so no text is classified twice.
	checkedChars  int
	claimedChars  int
	checkInFlight bool
	finished      bool
	banned        bool
	listeners     []*listener
}

// ID returns the turn id.
func (t *Turn) ID() string { return t.id }

// ChatID returns the chat this turn belongs to.
func (t *Turn) ChatID() string { return t.chatID }

// Token returns the concurrency token issued for this turn.
func (t *Turn) Token() string { return t.token }

// State returns the current lifecycle state.
func (t *Turn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Cancel cancels the turn's scope. The in-flight network read and tool
// executions observe it; partial content is persisted via the error path.
func (t *Turn) Cancel() { t.cancel() }

// Done is closed when the turn's scope ends.
func (t *Turn) Done() <-chan struct{} { return t.ctx.Done() }

func (t *Turn) event(typ EventType, fill func(*Event)) Event {
	ev := Event{Type: typ, ChatID: t.chatID, TurnID: t.id, At: time.Now().UTC()}
	if fill != nil {
		fill(&ev)
	}
	return ev
}

// mergeDelta is the pure reducer folding a delta into the accumulated
// response. It never mutates its input.
func mergeDelta(acc llm.Message, d llm.Delta) llm.Message {
	if d.Reasoning != "" {
		acc.Reasoning += d.Reasoning
	}
	if d.Text != "" {
		content := append([]llm.ContentNode(nil), acc.Content...)
		if n := len(content); n > 0 && content[n-1].Kind == llm.ContentText {
			content[n-1].Text += d.Text
		} else {
			content = append(content, llm.ContentNode{Kind: llm.ContentText, Text: d.Text})
		}
		acc.Content = content
	}
	return acc
}

// merge folds an incoming delta into the turn and kicks off an async
// moderation pass once the unchecked suffix outgrows the threshold.
func (t *Turn) merge(d llm.Delta) {
	t.mu.Lock()
	if t.finished || t.banned {
		t.mu.Unlock()
		return
	}
	t.state = StateStreaming
	t.acc = mergeDelta(t.acc, d)
	t.notify(t.event(EventMessageDelta, func(e *Event) { e.Delta = d }))
	launch := t.uncheckedLenLocked() >= t.cfg.ModerationThreshold && !t.checkInFlight
	if launch {
		t.checkInFlight = true
	}
	t.mu.Unlock()
	if launch {
		go func() {
			if t.checkSuffix(false) {
				t.finish(true, false)
			}
		}()
	}
}

// combinedLocked is the moderation view of the response: reasoning and
// content concatenated. Requires t.mu held.
func (t *Turn) combinedLocked() string {
	return t.acc.Reasoning + t.acc.Text()
}

func (t *Turn) uncheckedLenLocked() int {
	from := t.checkedChars
	if t.claimedChars > from {
		from = t.claimedChars
	}
	return len(t.combinedLocked()) - from
}

// runeSafeEnd backs a byte offset up to the nearest rune boundary so a
// multi-byte rune is never split across two scan fragments.
func runeSafeEnd(s string, from, end int) int {
	p := end
	for p > from && !utf8.RuneStart(s[p-1]) {
		p--
	}
	if p == from {
		return end
	}
	if r, size := utf8.DecodeRuneInString(s[p-1 : end]); r == utf8.RuneError || p-1+size != end {
		return p - 1
	}
	return end
}

// checkSuffix runs the classifier over the currently-unchecked suffix
// and advances the checked offset. The offset is monotonic: text is
// never re-scanned, and a forced pass racing an in-flight async scan
// starts where that scan's claim ends. Returns true when the suffix
// was judged unsafe.
func (t *Turn) checkSuffix(forced bool) bool {
	t.mu.Lock()
	if t.banned {
		if !forced {
			t.checkInFlight = false
		}
		t.mu.Unlock()
		return false
	}
	combined := t.combinedLocked()
	from := t.checkedChars
	if t.claimedChars > from {
		from = t.claimedChars
	}
	end := runeSafeEnd(combined, from, len(combined))
	suffix := combined[from:end]
	if len(suffix) == 0 || (!forced && len(suffix) < t.cfg.ModerationThreshold) {
		if !forced {
			t.checkInFlight = false
		}
		t.mu.Unlock()
		return false
	}
	if !t.finished {
		t.state = StateChecking
	}
	t.claimedChars = end
	t.mu.Unlock()

	unsafe, err := t.checker.Check(t.ctx, t.question, suffix)

	t.mu.Lock()
	if end > t.checkedChars {
		t.checkedChars = end
	}
	if !forced {
		t.checkInFlight = false
	}
	checked := t.checkedChars
	t.mu.Unlock()

	t.cfg.Hooks.SafeModeration(t.ctx, t.chatID, checked, unsafe)
	if err != nil {
		// A broken classifier neither bans nor aborts the turn.
		log.Printf("[Turn %s] moderation check failed for chat %s: %v", t.id, t.chatID, err)
		return false
	}
	return unsafe
}

// finish drives the turn to a terminal state. It is idempotent: a second
// call is a no-op unless it newly sets the ban flag, in which case the
// outcome is upgraded (ban wins over plain error) and re-persisted.
func (t *Turn) finish(withBan, isError bool) {
	// Final forced moderation pass unless erroring or already banning.
	if !withBan && !isError {
		if t.checkSuffix(true) {
			withBan = true
		}
	}

	t.mu.Lock()
	if t.finished {
		if !withBan || t.banned {
			t.mu.Unlock()
			return
		}
		// Ban upgrade after a plain finish.
		t.banned = true
		t.state = StateBanned
		final := t.finalMessage()
		t.notify(t.event(EventBanned, func(e *Event) { e.Message = final }))
		t.mu.Unlock()
		t.persist()
		t.cancel()
		t.logOutcome()
		return
	}
	t.finished = true
	switch {
	case withBan:
		t.banned = true
		t.state = StateBanned
	case isError:
		t.state = StateErrored
	default:
		t.state = StateFinished
	}
	final := t.finalMessage()
	usage := t.usage
	if t.banned {
		t.notify(t.event(EventBanned, func(e *Event) { e.Message = final }))
	} else {
		t.notify(t.event(EventFinished, func(e *Event) {
			e.Message = final
			e.Usage = &usage
		}))
	}
	t.mu.Unlock()

	t.persist()
	t.cancel()
	if t.onTerminal != nil {
		t.onTerminal(t)
	}
	t.logOutcome()
}

// finalMessage is the assistant message that gets persisted and shown:
// the accumulated response, or the canned text when banned. Requires
// t.mu held.
func (t *Turn) finalMessage() *llm.Message {
	if t.banned {
		m := llm.TextMessage(llm.RoleAssistant, t.cfg.BannedText)
		return &m
	}
	m := t.acc
	return &m
}

// persist writes prior history + user message + final assistant message.
// It runs on a fresh context so a cancelled turn can still save.
func (t *Turn) persist() {
	t.mu.Lock()
	final := *t.finalMessage()
	banned := t.banned
	t.mu.Unlock()

	history := make([]llm.Message, 0, len(t.prior)+2)
	history = append(history, t.prior...)
	history = append(history, t.userMsg, final)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.store.Save(ctx, t.chatID, history, t.token, banned); err != nil {
		log.Printf("[Turn %s] persist chat %s: %v", t.id, t.chatID, err)
	}
}

func (t *Turn) logOutcome() {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	t.cfg.Hooks.SafeTurnFinish(context.Background(), t.chatID, t.id, string(state))
	log.Printf("[Turn %s] chat %s reached %s", t.id, t.chatID, state)
}

// appendErrorNotice appends the apology to the visible response, with a
// divider first when content was already shown.
func (t *Turn) appendErrorNotice() {
	t.mu.Lock()
	shown := t.acc.Text() != ""
	t.mu.Unlock()
	if shown {
		t.merge(llm.Delta{Text: t.cfg.Divider})
	}
	t.merge(llm.Delta{Text: t.cfg.ApologyText})
}

// run executes the whole turn: tool loop, error path, terminal finish.
func (t *Turn) run() {
	log.Printf("[Turn %s] starting for chat %s", t.id, t.chatID)
	go t.heartbeatLoop(t.cfg.HeartbeatInterval)

	ctx := llm.WithAuditIDs(t.ctx, llm.AuditIDs{ChatID: t.chatID, TurnID: t.id})

	outbound := make([]llm.Message, 0, len(t.prior)+2)
	if t.question != "" {
		outbound = append(outbound, llm.TextMessage(llm.RoleSystem,
			"You are a tutor helping a student with this question:\n"+t.question))
	}
	outbound = append(outbound, t.prior...)
	outbound = append(outbound, t.userMsg)

	res := t.loop.Run(ctx, outbound, loopCallbacks{
		onDelta: t.merge,
		onToolCall: func(tc llm.ToolCall) {
			t.mu.Lock()
			t.notify(t.event(EventToolCallAnnounced, func(e *Event) {
				c := tc
				e.ToolCall = &c
			}))
			t.mu.Unlock()
		},
		onDisplay: func(m llm.Message) {
			t.mu.Lock()
			t.notify(t.event(EventMessageDelta, func(e *Event) {
				msg := m
				e.Message = &msg
			}))
			t.mu.Unlock()
		},
		onCompressed: func() {
			t.mu.Lock()
			t.notify(t.event(EventContextCompressed, nil))
			t.mu.Unlock()
		},
	})

	t.mu.Lock()
	t.usage.Add(res.Usage)
	t.mu.Unlock()

	if res.Fault != nil {
		log.Printf("[Turn %s] chat %s stream fault: %v", t.id, t.chatID, res.Fault)
		t.appendErrorNotice()
		t.finish(false, true)
		return
	}
	t.finish(false, false)
}
