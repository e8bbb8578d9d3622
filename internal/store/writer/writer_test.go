package writer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"ingestd/internal/telemetry"
)

func TestNewAppliesDefaults(t *testing.T) {
	w := New(nil, telemetry.New(4), Config{})
	require.Equal(t, 500, w.cfg.Size)
	require.Equal(t, 5000, w.cfg.HardCap)
	require.Equal(t, 2*time.Second, w.cfg.MaxAge)
	require.Equal(t, 5, w.cfg.MaxRetries)
}

func TestIsConstraintViolationClassifiesBySQLSTATEClass(t *testing.T) {
	require.True(t, isConstraintViolation(&pgconn.PgError{Code: "23505"}))
	require.False(t, isConstraintViolation(&pgconn.PgError{Code: "57014"})) // query_canceled
	require.False(t, isConstraintViolation(errors.New("dial tcp: connection refused")))
	require.False(t, isConstraintViolation(context.DeadlineExceeded))
	require.False(t, isConstraintViolation(nil))
}

func TestEnqueueBlocksAtHardCapUntilBufferDrains(t *testing.T) {
	w := New(nil, telemetry.New(4), Config{Size: 1000, HardCap: 2, MaxAge: time.Minute})
	w.Register(Upserter{Table: "book_ticker", SQL: "INSERT INTO book_ticker VALUES ($1)"})

	w.Enqueue(context.Background(), "book_ticker", Row{Args: []any{1}})
	w.Enqueue(context.Background(), "book_ticker", Row{Args: []any{2}})

	done := make(chan struct{})
	go func() {
		w.Enqueue(context.Background(), "book_ticker", Row{Args: []any{3}})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Enqueue returned before the buffer drained below HardCap")
	case <-time.After(50 * time.Millisecond):
	}

	w.mu.Lock()
	w.buffers["book_ticker"].rows = w.buffers["book_ticker"].rows[:1]
	w.cond.Broadcast()
	w.mu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue never unblocked after the buffer drained")
	}
}

func TestEnqueueAtHardCapReturnsOnContextCancel(t *testing.T) {
	w := New(nil, telemetry.New(4), Config{Size: 1000, HardCap: 1, MaxAge: time.Minute})
	w.Register(Upserter{Table: "book_ticker", SQL: "INSERT INTO book_ticker VALUES ($1)"})

	w.Enqueue(context.Background(), "book_ticker", Row{Args: []any{1}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		w.Enqueue(ctx, "book_ticker", Row{Args: []any{2}})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue did not return for an already-canceled context")
	}

	w.mu.Lock()
	n := len(w.buffers["book_ticker"].rows)
	w.mu.Unlock()
	require.Equal(t, 1, n, "the row was never appended since the context was already canceled")
}

func TestEnqueueBuffersBelowThreshold(t *testing.T) {
	w := New(nil, telemetry.New(4), Config{Size: 10, MaxAge: time.Minute})
	w.Register(Upserter{Table: "book_ticker", SQL: "INSERT INTO book_ticker VALUES ($1)"})

	w.Enqueue(nil, "book_ticker", Row{Args: []any{1}})

	w.mu.Lock()
	n := len(w.buffers["book_ticker"].rows)
	w.mu.Unlock()
	require.Equal(t, 1, n)
}

func TestCauseStringHandlesNil(t *testing.T) {
	require.Equal(t, "", causeString(nil))
}
