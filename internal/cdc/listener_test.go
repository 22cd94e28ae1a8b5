package cdc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu      sync.Mutex
	pending []*pgconn.Notification
	waitErr error
	execs   []string
	closed  bool
}

func (f *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	return pgconn.NewCommandTag("LISTEN"), nil
}

func (f *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	f.mu.Lock()
	if f.waitErr != nil {
		err := f.waitErr
		f.mu.Unlock()
		return nil, err
	}
	if len(f.pending) > 0 {
		n := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()
		return n, nil
	}
	f.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeConn) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

func (f *fakeConn) notify(channel, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, &pgconn.Notification{PID: 42, Channel: channel, Payload: payload})
}

// streamConn delivers a valid notification every interval, forever.
type streamConn struct {
	interval time.Duration
	sent     atomic.Int32
}

func (s *streamConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("LISTEN"), nil
}

func (s *streamConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.interval):
	}
	n := s.sent.Add(1)
	return &pgconn.Notification{PID: 7, Channel: "table_changed", Payload: insertPayload(int(n % 10))}, nil
}

func (s *streamConn) Close(ctx context.Context) error { return nil }

func insertPayload(id int) string {
	return fmt.Sprintf(`{"operation":"INSERT","table":"patient","new_record":{"_patientid":%d,"timestamp":"2024-01-01T00:00:0%dZ"}}`, id, id)
}

func TestListenerListen(t *testing.T) {
	conn := &fakeConn{}
	l := NewListener(conn, "table_changed", DrainConfig{Window: time.Millisecond})

	require.NoError(t, l.Listen(testContext(t)))
	assert.Equal(t, []string{`LISTEN "table_changed"`}, conn.execs)
}

func TestWaitAndDrainTimeout(t *testing.T) {
	l := NewListener(&fakeConn{}, "table_changed", DrainConfig{Window: time.Millisecond})

	start := time.Now()
	events, err := l.WaitAndDrain(testContext(t), 20*time.Millisecond)

	require.NoError(t, err)
	assert.Nil(t, events)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitAndDrainPreservesOrder(t *testing.T) {
	conn := &fakeConn{}
	for i := 1; i <= 5; i++ {
		conn.notify("table_changed", insertPayload(i))
	}
	l := NewListener(conn, "table_changed", DrainConfig{Window: time.Millisecond})

	events, err := l.WaitAndDrain(testContext(t), time.Second)
	require.NoError(t, err)
	require.Len(t, events, 5)

	for i, event := range events {
		assert.Equal(t, fmt.Sprint(i+1), string(event.NewRecord.Raw("_patientid")))
		assert.Equal(t, uint32(42), event.PID)
	}
}

func TestWaitAndDrainDropsMalformed(t *testing.T) {
	const n, k = 6, 3

	conn := &fakeConn{}
	for i := 0; i < n; i++ {
		if i == k {
			conn.notify("table_changed", `{"operation":"INSERT","table":`)
			continue
		}
		conn.notify("table_changed", insertPayload(i))
	}
	l := NewListener(conn, "table_changed", DrainConfig{Window: time.Millisecond})

	events, err := l.WaitAndDrain(testContext(t), time.Second)
	require.NoError(t, err)
	require.Len(t, events, n-1)

	var ids []string
	for _, event := range events {
		ids = append(ids, string(event.NewRecord.Raw("_patientid")))
	}
	assert.Equal(t, []string{"0", "1", "2", "4", "5"}, ids)
}

func TestWaitAndDrainIgnoresForeignChannel(t *testing.T) {
	conn := &fakeConn{}
	conn.notify("other", insertPayload(1))
	conn.notify("table_changed", insertPayload(2))
	l := NewListener(conn, "table_changed", DrainConfig{Window: time.Millisecond})

	events, err := l.WaitAndDrain(testContext(t), time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "2", string(events[0].NewRecord.Raw("_patientid")))
}

func TestWaitAndDrainConnectionError(t *testing.T) {
	conn := &fakeConn{waitErr: errors.New("conn closed")}
	l := NewListener(conn, "table_changed", DrainConfig{Window: time.Millisecond})

	_, err := l.WaitAndDrain(testContext(t), time.Second)
	assert.Error(t, err)
}

func TestWaitAndDrainCanceled(t *testing.T) {
	l := NewListener(&fakeConn{}, "table_changed", DrainConfig{Window: time.Millisecond})

	ctx, cancel := context.WithCancel(testContext(t))
	cancel()

	_, err := l.WaitAndDrain(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitAndDrainAllMalformed(t *testing.T) {
	conn := &fakeConn{}
	conn.notify("table_changed", `not json`)
	conn.notify("table_changed", `{"operation":"TRUNCATE","table":"patient"}`)
	l := NewListener(conn, "table_changed", DrainConfig{Window: time.Millisecond})

	events, err := l.WaitAndDrain(testContext(t), time.Second)
	require.NoError(t, err)
	assert.NotNil(t, events, "a drain with nothing relayable is not a timeout")
	assert.Empty(t, events)
}

func TestWaitAndDrainReturnsUnderSteadyStream(t *testing.T) {
	conn := &streamConn{interval: 2 * time.Millisecond}
	l := NewListener(conn, "table_changed", DrainConfig{Window: 10 * time.Millisecond, MaxTime: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(testContext(t), 2*time.Second)
	defer cancel()

	start := time.Now()
	events, err := l.WaitAndDrain(ctx, 5*time.Second)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.NotEmpty(t, events)
	assert.Less(t, elapsed, time.Second, "drain must end at its overall deadline")
	assert.Equal(t, int(conn.sent.Load()), len(events), "every notification read is returned")
}

func TestWaitAndDrainMaxBatch(t *testing.T) {
	conn := &fakeConn{}
	for i := 0; i < 10; i++ {
		conn.notify("table_changed", insertPayload(i))
	}
	l := NewListener(conn, "table_changed", DrainConfig{Window: time.Millisecond, MaxBatch: 4})

	first, err := l.WaitAndDrain(testContext(t), time.Second)
	require.NoError(t, err)
	require.Len(t, first, 4)

	second, err := l.WaitAndDrain(testContext(t), time.Second)
	require.NoError(t, err)
	require.Len(t, second, 4)
	assert.Equal(t, "4", string(second[0].NewRecord.Raw("_patientid")), "the next drain continues where the last stopped")
}

func TestWaitAndDrainKeepsBatchWhenCanceledMidDrain(t *testing.T) {
	conn := &streamConn{interval: 2 * time.Millisecond}
	l := NewListener(conn, "table_changed", DrainConfig{Window: 10 * time.Millisecond, MaxTime: 5 * time.Second})

	ctx, cancel := context.WithTimeout(testContext(t), 40*time.Millisecond)
	defer cancel()

	events, err := l.WaitAndDrain(ctx, time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
	assert.Equal(t, int(conn.sent.Load()), len(events))
}
