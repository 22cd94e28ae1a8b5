package cdc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

type ManagerConfig struct {
	ConnString  string
	Channel     string
	Tables      []string
	WaitTimeout time.Duration
	Drain       DrainConfig
}

// Source yields batches of change events. *Listener is the production
// implementation. A nil batch means the wait timed out; an empty non-nil
// batch means notifications arrived but none could be relayed.
type Source interface {
	WaitAndDrain(ctx context.Context, timeout time.Duration) ([]*ChangeEvent, error)
	Close(ctx context.Context) error
}

// Manager runs the bridge loop: drain a batch, hand it to every handler,
// repeat. Draining and handling never overlap.
type Manager struct {
	config   *ManagerConfig
	source   Source
	handlers []BatchHandler
	mu       sync.RWMutex
	running  bool
	cancel   context.CancelFunc
	doneCh   chan struct{}
	err      error
	wg       sync.WaitGroup
}

func NewManager(config *ManagerConfig) *Manager {
	return &Manager{
		config:   config,
		handlers: make([]BatchHandler, 0),
		doneCh:   make(chan struct{}),
	}
}

func (m *Manager) AddHandler(handler BatchHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Initialize opens the dedicated notification connection, installs the
// change triggers and subscribes to the channel. Any failure is fatal.
func (m *Manager) Initialize(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, m.config.ConnString)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	tables, err := ListTables(ctx, conn, m.config.Tables)
	if err != nil {
		conn.Close(ctx)
		return err
	}

	installer := NewInstaller(m.config.Channel)
	err = pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		return installer.Install(ctx, tx, tables)
	})
	if err != nil {
		conn.Close(ctx)
		return err
	}
	for _, t := range tables {
		log.Info().Str("table", t.String()).Msg("Change trigger installed")
	}

	listener := NewListener(conn, m.config.Channel, m.config.Drain)
	if err := listener.Listen(ctx); err != nil {
		conn.Close(ctx)
		return err
	}

	m.source = listener
	return nil
}

func (m *Manager) Start(ctx context.Context) error {
	if m.running {
		return fmt.Errorf("manager already running")
	}

	if m.source == nil {
		return fmt.Errorf("manager not initialized")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)

	go m.receiveLoop(loopCtx)

	return nil
}

// Done is closed when the bridge loop exits, either after Stop or on a
// fatal error reported by Err.
func (m *Manager) Done() <-chan struct{} {
	return m.doneCh
}

func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

func (m *Manager) Stop(ctx context.Context) error {
	if !m.running {
		return nil
	}

	m.cancel()
	m.wg.Wait()
	m.running = false

	if m.source != nil {
		return m.source.Close(ctx)
	}

	return nil
}

func (m *Manager) receiveLoop(ctx context.Context) {
	defer m.wg.Done()
	defer close(m.doneCh)

	for {
		events, err := m.source.WaitAndDrain(ctx, m.config.WaitTimeout)
		if ctx.Err() != nil {
			m.flush(ctx, events)
			return
		}
		if err != nil {
			m.fail(fmt.Errorf("notification connection failed: %w", err))
			return
		}

		if events == nil {
			log.Debug().Dur("timeout", m.config.WaitTimeout).Msg("No notifications before timeout")
			continue
		}
		if len(events) == 0 {
			log.Warn().Msg("Drained notifications but none could be relayed")
			continue
		}

		if err := m.HandleBatch(ctx, events); err != nil {
			m.fail(err)
			return
		}
	}
}

// flush hands over a batch drained while the loop was being stopped. The
// notifications are already off the connection, so they are published
// without the cancelled context.
func (m *Manager) flush(ctx context.Context, events []*ChangeEvent) {
	if len(events) == 0 {
		return
	}
	log.Info().Int("events", len(events)).Msg("Publishing batch drained during shutdown")
	if err := m.HandleBatch(context.WithoutCancel(ctx), events); err != nil {
		m.fail(err)
	}
}

func (m *Manager) fail(err error) {
	log.Error().Err(err).Msg("Bridge loop stopped")
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Manager) HandleBatch(ctx context.Context, events []*ChangeEvent) error {
	m.mu.RLock()
	handlers := make([]BatchHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler.HandleBatch(ctx, events); err != nil {
			return fmt.Errorf("handler failed: %w", err)
		}
	}

	return nil
}
