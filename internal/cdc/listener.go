package cdc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/pgrelay/pgrelay/internal/telemetry"
)

// NotificationConn is the part of *pgx.Conn the listener uses.
type NotificationConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// DrainConfig bounds how long WaitAndDrain keeps collecting after the first
// notification. Window applies to each extra read; MaxTime and MaxBatch
// apply to the drain as a whole.
type DrainConfig struct {
	Window   time.Duration
	MaxTime  time.Duration
	MaxBatch int
}

const (
	DefaultDrainWindow  = 10 * time.Millisecond
	DefaultDrainMaxTime = 250 * time.Millisecond
	DefaultMaxBatch     = 1000
)

// Listener owns the connection that receives change notifications. The
// connection must not be shared with application queries.
type Listener struct {
	conn    NotificationConn
	channel string
	drain   DrainConfig
}

func NewListener(conn NotificationConn, channel string, drain DrainConfig) *Listener {
	if drain.Window <= 0 {
		drain.Window = DefaultDrainWindow
	}
	if drain.MaxTime <= 0 {
		drain.MaxTime = DefaultDrainMaxTime
	}
	if drain.MaxBatch <= 0 {
		drain.MaxBatch = DefaultMaxBatch
	}
	return &Listener{
		conn:    conn,
		channel: channel,
		drain:   drain,
	}
}

func (l *Listener) Listen(ctx context.Context) error {
	if _, err := l.conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.channel, err)
	}
	log.Info().Str("channel", l.channel).Msg("Listening for change notifications")
	return nil
}

// WaitAndDrain blocks until a notification arrives or timeout elapses. A
// timeout yields a nil batch and no error. Otherwise the notifications
// already queued on the connection are collected in arrival order, up to the
// drain bounds, and decoded; payloads that fail to decode are logged and
// dropped, so a drain can yield an empty non-nil batch. If ctx ends
// mid-drain the notifications read so far are still returned.
func (l *Listener) WaitAndDrain(ctx context.Context, timeout time.Duration) ([]*ChangeEvent, error) {
	first, err := l.wait(ctx, timeout)
	if err != nil || first == nil {
		return nil, err
	}

	notifications := []*pgconn.Notification{first}
	deadline := time.Now().Add(l.drain.MaxTime)
	for len(notifications) < l.drain.MaxBatch {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		n, err := l.wait(ctx, min(l.drain.Window, remaining))
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return nil, err
		}
		if n == nil {
			break
		}
		notifications = append(notifications, n)
	}

	events := make([]*ChangeEvent, 0, len(notifications))
	for _, n := range notifications {
		if n.Channel != l.channel {
			log.Debug().Str("channel", n.Channel).Msg("Ignoring notification on foreign channel")
			continue
		}

		telemetry.NotificationsReceived.Inc()
		log.Debug().Uint32("pid", n.PID).Str("payload", n.Payload).Msg("Got notification")

		event, err := Decode([]byte(n.Payload))
		if err != nil {
			telemetry.DecodeFailures.Inc()
			log.Error().Err(err).Uint32("pid", n.PID).Str("payload", n.Payload).Msg("Dropping undecodable notification")
			continue
		}
		event.PID = n.PID
		events = append(events, event)
	}

	return events, nil
}

// wait returns nil, nil when timeout elapses without a notification. If the
// parent context is done its error is returned instead.
func (l *Listener) wait(ctx context.Context, timeout time.Duration) (*pgconn.Notification, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	n, err := l.conn.WaitForNotification(waitCtx)
	if err == nil {
		return n, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	return nil, fmt.Errorf("wait for notification failed: %w", err)
}

func (l *Listener) Close(ctx context.Context) error {
	return l.conn.Close(ctx)
}
