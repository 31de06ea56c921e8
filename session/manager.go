package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/tss-session-relay/api"
	"github.com/ruteri/tss-session-relay/api/relayhandler"
	"github.com/ruteri/tss-session-relay/httpserver"
	"github.com/ruteri/tss-session-relay/relay"
	"go.uber.org/atomic"
)

// State of the hosted relay.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

const DefaultShutdownTimeout = 5 * time.Second

var (
	// ErrStopFailed is returned by Start when the relay of the previous session
	// could not be released. The new session must not run on top of it.
	ErrStopFailed = errors.New("failed to stop previous relay")

	// ErrEmptySessionName is returned by Start for an empty name.
	ErrEmptySessionName = errors.New("empty session name")
)

// RelayServer is the network side of a hosted relay.
type RelayServer interface {
	RunInBackground() error
	Addr() string
	Shutdown(ctx context.Context) error
	Close() error
}

// ServerFactory builds the server for a new session on top of store.
type ServerFactory func(cfg *api.HTTPServerConfig, store *relay.Store) (RelayServer, error)

// ReadyEvent announces that the relay for SessionName accepts requests at Addr.
type ReadyEvent struct {
	SessionName string
	Addr        string
}

type Config struct {
	Server          api.HTTPServerConfig
	ShutdownTimeout time.Duration
	ServerFactory   ServerFactory
	Log             *slog.Logger
}

// Manager owns the relay hosted by this device. At most one relay is bound at a
// time; starting a different session stops the current one first.
type Manager struct {
	cfg   Config
	log   *slog.Logger
	store *relay.Store
	state atomic.Int32

	mu      sync.Mutex
	name    string
	server  RelayServer
	ctx     context.Context
	cancel  context.CancelFunc
	current *ReadyEvent

	subMu   sync.Mutex
	subs    map[int]chan ReadyEvent
	nextSub int
}

func NewManager(cfg Config) *Manager {
	if cfg.ServerFactory == nil {
		cfg.ServerFactory = DefaultServerFactory
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = api.DefaultListenAddr
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Server.Log == nil {
		cfg.Server.Log = cfg.Log
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	return &Manager{
		cfg:    cfg,
		log:    cfg.Log,
		store:  relay.NewStore(),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[int]chan ReadyEvent),
	}
}

// DefaultServerFactory serves the relay surface over store with httpserver.
func DefaultServerFactory(cfg *api.HTTPServerConfig, store *relay.Store) (RelayServer, error) {
	server, err := httpserver.New(cfg, relayhandler.NewHandler(store, cfg.Log))
	if err != nil {
		return nil, err
	}
	return server, nil
}

// Start hosts the relay for session name. Starting the running session again only
// re-announces readiness.
func (m *Manager) Start(name string) error {
	if name == "" {
		return ErrEmptySessionName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if State(m.state.Load()) == StateRunning {
		if m.name == name {
			m.log.Debug("Relay already running for session", "session", name)
			m.broadcast(*m.current)
			return nil
		}

		m.log.Info("Stopping relay of previous session", "previous", m.name, "session", name)
		if err := m.stopLocked(); err != nil {
			m.log.Error("Failed to stop previous relay", "err", err, "previous", m.name)
			return fmt.Errorf("%w: %v", ErrStopFailed, err)
		}
	}

	m.state.Store(int32(StateStarting))

	serverCfg := m.cfg.Server
	server, err := m.cfg.ServerFactory(&serverCfg, m.store)
	if err != nil {
		m.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to create relay server: %w", err)
	}
	if err := server.RunInBackground(); err != nil {
		m.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to start relay for session %s: %w", name, err)
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.name = name
	m.server = server
	m.current = &ReadyEvent{SessionName: name, Addr: server.Addr()}
	m.state.Store(int32(StateRunning))

	m.log.Info("Relay started", "session", name, "addr", m.current.Addr)
	m.broadcast(*m.current)
	return nil
}

// Stop tears down the running relay. Stopping a stopped manager is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if State(m.state.Load()) != StateRunning {
		return nil
	}
	return m.stopLocked()
}

func (m *Manager) stopLocked() error {
	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownTimeout)
	defer cancel()

	if err := m.server.Shutdown(ctx); err != nil {
		m.log.Warn("Graceful relay shutdown failed, closing", "err", err, "session", m.name)
		if closeErr := m.server.Close(); closeErr != nil {
			return errors.Join(err, closeErr)
		}
	}

	m.store.Reset()
	m.log.Info("Relay stopped", "session", m.name)

	m.name = ""
	m.server = nil
	m.current = nil
	m.state.Store(int32(StateStopped))
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Current returns the running session name and relay address, empty when stopped.
func (m *Manager) Current() (name, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return "", ""
	}
	return m.current.SessionName, m.current.Addr
}

// Context is cancelled when the current session stops. When no session runs the
// returned context is already cancelled.
func (m *Manager) Context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// Store exposes the relay store of the hosted session.
func (m *Manager) Store() *relay.Store {
	return m.store
}

// Subscribe registers for readiness events. A subscriber registering while a relay
// runs receives the current event immediately. Only the latest undelivered event is
// kept per subscriber, so a slow reader never blocks the manager.
func (m *Manager) Subscribe() (<-chan ReadyEvent, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan ReadyEvent, 1)
	m.subs[id] = ch
	if m.current != nil {
		ch <- *m.current
	}

	cancel := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if ch, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (m *Manager) broadcast(ev ReadyEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- ev
	}
}
