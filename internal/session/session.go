package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/insightloop/insight-client/internal/audit"
	"github.com/insightloop/insight-client/internal/chat"
	"github.com/insightloop/insight-client/internal/config"
	"github.com/insightloop/insight-client/internal/credentials"
	"github.com/insightloop/insight-client/internal/db"
	"github.com/insightloop/insight-client/internal/events"
	"github.com/insightloop/insight-client/internal/notify"
	"github.com/insightloop/insight-client/internal/rca"
	"github.com/insightloop/insight-client/internal/retry"
	"github.com/insightloop/insight-client/internal/transport"
)

// Package session wires the client subsystem together for one user session.
// Everything with lifecycle lives here: the store, the bus, the transport,
// the aggregator, the orchestrator and the notification bridge are created
// at login and torn down at logout, with no process-wide singletons.

// Options configures a session.
type Options struct {
	Config *config.Config
	Logger *zap.Logger

	// Notifier is the platform notification surface; nil falls back to
	// in-app banners.
	Notifier notify.Notifier
}

// Session owns one user session's worth of client state.
type Session struct {
	cfg    *config.Config
	logger *zap.Logger

	store      db.Store
	creds      *credentials.Store
	bus        *events.Bus
	auditLog   audit.Logger
	transport  *transport.Manager
	aggregator *transport.Aggregator
	client     *rca.Client
	orch       *rca.Orchestrator
	bridge     *notify.Bridge

	mu            sync.Mutex
	conversations map[string]*chat.Conversation
	closed        bool
}

// New builds a fully wired session. The caller owns Close.
func New(opts Options) (*Session, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("session: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config

	store, err := db.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	auditLog, err := audit.NewLogger(&audit.Config{
		Path:       cfg.Audit.Path,
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     30,
		Compress:   true,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	creds := credentials.NewStore(store)
	bus := events.NewBus(logger)

	tm := transport.NewManager(transport.Config{
		BaseURL:           cfg.Socket.BaseURL,
		HeartbeatInterval: cfg.Socket.HeartbeatInterval,
		Policy: retry.Policy{
			MaxAttempts: cfg.Socket.MaxReconnectAttempts,
			BaseDelay:   cfg.Socket.ReconnectBaseDelay,
		},
	}, creds, bus, auditLog, logger.Named("transport"))

	aggregator := transport.NewAggregator(bus, logger.Named("stream"))

	client := rca.NewClient(rca.ClientConfig{
		BaseURL: cfg.API.BaseURL,
		Timeout: cfg.API.Timeout,
	}, creds, logger.Named("rca"))

	orch := rca.NewOrchestrator(rca.OrchestratorConfig{
		PollInterval:      cfg.RCA.PollInterval,
		MaxPollIterations: cfg.RCA.MaxPollIterations,
		DefaultClientID:   cfg.RCA.DefaultClientID,
	}, client, bus, auditLog, store, logger.Named("rca"))

	bridge := notify.NewBridge(bus, opts.Notifier, logger.Named("notify"))

	s := &Session{
		cfg:           cfg,
		logger:        logger,
		store:         store,
		creds:         creds,
		bus:           bus,
		auditLog:      auditLog,
		transport:     tm,
		aggregator:    aggregator,
		client:        client,
		orch:          orch,
		bridge:        bridge,
		conversations: make(map[string]*chat.Conversation),
	}

	_ = auditLog.Log(context.Background(),
		audit.NewEvent(audit.EventClientStarted).
			WithResult(audit.ResultSuccess).
			WithDescription("client session started"))
	return s, nil
}

// Bus exposes the session event bus for UI subscribers.
func (s *Session) Bus() *events.Bus { return s.bus }

// Transport exposes the connection manager.
func (s *Session) Transport() *transport.Manager { return s.transport }

// Orchestrator exposes the investigation orchestrator.
func (s *Session) Orchestrator() *rca.Orchestrator { return s.orch }

// Bridge exposes the notification bridge (for click plumbing).
func (s *Session) Bridge() *notify.Bridge { return s.bridge }

// Credentials exposes the credential store for the login flow.
func (s *Session) Credentials() *credentials.Store { return s.creds }

// OpenConversation connects the realtime transport for the conversation and
// returns its state. Opening an already-open conversation returns the
// existing state.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) (*chat.Conversation, error) {
	s.mu.Lock()
	if conv, ok := s.conversations[conversationID]; ok {
		s.mu.Unlock()
		return conv, nil
	}
	conv := chat.NewConversation(conversationID, s.bus, s.transport, s.logger.Named("chat"))
	s.conversations[conversationID] = conv
	s.mu.Unlock()

	if err := s.transport.Connect(ctx, conversationID); err != nil {
		s.mu.Lock()
		delete(s.conversations, conversationID)
		s.mu.Unlock()
		conv.Close()
		return nil, err
	}
	return conv, nil
}

// CloseConversation disconnects and discards the conversation state.
func (s *Session) CloseConversation(conversationID string) {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	delete(s.conversations, conversationID)
	s.mu.Unlock()

	if ok {
		s.transport.Disconnect()
		conv.Close()
	}
}

// Investigate runs one investigation to completion. It blocks; callers that
// need the UI responsive run it on a goroutine and watch the bus.
func (s *Session) Investigate(ctx context.Context, in rca.RequestInput) (*rca.Result, error) {
	return s.orch.Run(ctx, in)
}

// Close tears the session down: transport first so no new frames arrive,
// then the consumers, then the stores.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conversations := s.conversations
	s.conversations = make(map[string]*chat.Conversation)
	s.mu.Unlock()

	s.orch.Cancel()
	s.transport.Disconnect()
	for _, conv := range conversations {
		conv.Close()
	}
	s.aggregator.Close()
	s.bridge.Close()

	_ = s.auditLog.Log(context.Background(),
		audit.NewEvent(audit.EventClientShutdown).
			WithResult(audit.ResultSuccess).
			WithDescription("client session closed"))
	if err := s.auditLog.Close(); err != nil {
		s.logger.Warn("audit log close failed", zap.Error(err))
	}
	return s.store.Close()
}
