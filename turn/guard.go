package turn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/brightboard/tutorengine/chat"
	"github.com/brightboard/tutorengine/compress"
	"github.com/brightboard/tutorengine/llm"
	"github.com/brightboard/tutorengine/moderation"
	"github.com/brightboard/tutorengine/tools"
)

// Admission errors. They surface synchronously to the caller of
// StartTurn and never enter the state machine.
var (
	ErrStaleToken     = errors.New("stale concurrency token")
	ErrChatBanned     = errors.New("chat is banned")
	ErrTurnInProgress = errors.New("turn already in progress")
	ErrNoActiveTurn   = errors.New("no active turn for chat")
)

// ServiceConfig wires a turn service together.
type ServiceConfig struct {
	Store      chat.Store
	Client     llm.Client
	Tools      tools.Registry
	Checker    moderation.Checker
	Compressor compress.Compressor
	// Registry is the active-turn index. A fresh one is created when nil.
	Registry *Registry
	Turn     Config
}

// Service admits, runs, and exposes turns. It guarantees single-writer
// semantics per chat: at most one live turn per chat id at any instant.
type Service struct {
	store      chat.Store
	client     llm.Client
	tools      tools.Registry
	checker    moderation.Checker
	compressor compress.Compressor
	registry   *Registry
	cfg        Config

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewService creates a turn service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("chat store is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("llm client is required")
	}
	if cfg.Checker == nil {
		return nil, fmt.Errorf("moderation checker is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	cfg.Turn.withDefaults()
	return &Service{
		store:      cfg.Store,
		client:     cfg.Client,
		tools:      cfg.Tools,
		checker:    cfg.Checker,
		compressor: cfg.Compressor,
		registry:   cfg.Registry,
		cfg:        cfg.Turn,
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// Registry exposes the active-turn index (read-only use).
func (s *Service) Registry() *Registry { return s.registry }

func (s *Service) chatLock(chatID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[chatID] = l
	}
	return l
}

// StartTurn admits and starts a new turn for the chat. On success the
// freshly rotated concurrency token is returned; the turn itself runs
// asynchronously. The per-chat lock covers admission bookkeeping only,
// never the generation.
func (s *Service) StartTurn(ctx context.Context, chatID, callerToken, userContent, model string) (string, error) {
	lock := s.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.store.Load(ctx, chatID)
	if err != nil {
		return "", err
	}
	if c.Banned {
		return "", ErrChatBanned
	}
	if c.Token != callerToken {
		return "", ErrStaleToken
	}
	if _, live := s.registry.Get(chatID); live {
		return "", ErrTurnInProgress
	}

	newToken := uuid.NewString()
	if err := s.store.RotateToken(ctx, chatID, callerToken, newToken); err != nil {
		if errors.Is(err, chat.ErrTokenMismatch) {
			return "", ErrStaleToken
		}
		return "", err
	}

	t := s.newTurn(c, newToken, userContent, model)
	if !s.registry.add(t) {
		t.cancel()
		return "", ErrTurnInProgress
	}
	go t.run()
	return newToken, nil
}

// ListenTurn subscribes to the live turn for a chat. The caller's token
// must match the chat's current one.
func (s *Service) ListenTurn(ctx context.Context, chatID, callerToken string) (*Subscription, error) {
	c, err := s.store.Load(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if c.Token != callerToken {
		return nil, ErrStaleToken
	}
	t, ok := s.registry.Get(chatID)
	if !ok {
		return nil, ErrNoActiveTurn
	}
	return t.Subscribe(), nil
}

// CancelTurn cancels the live turn for a chat, if any.
func (s *Service) CancelTurn(chatID string) bool {
	t, ok := s.registry.Get(chatID)
	if !ok {
		return false
	}
	t.Cancel()
	return true
}

func (s *Service) newTurn(c *chat.Chat, token, userContent, model string) *Turn {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Turn{
		id:       uuid.NewString(),
		chatID:   c.ID,
		token:    token,
		question: c.Question,
		prior:    append([]llm.Message(nil), c.History...),
		userMsg:  llm.TextMessage(llm.RoleUser, userContent),
		checker:  s.checker,
		store:    s.store,
		cfg:      s.cfg,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateCreated,
		acc:      llm.Message{Role: llm.RoleAssistant},
	}
	t.loop = &Loop{
		Client:     s.client,
		Tools:      s.tools,
		Compressor: s.compressor,
		Model:      model,
		MaxRounds:  s.cfg.MaxToolRounds,
		Hooks:      s.cfg.Hooks,
	}
	t.onTerminal = s.registry.remove
	return t
}
