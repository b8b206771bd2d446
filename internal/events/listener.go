package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/events/bus"
	"github.com/dcm/dcm/internal/store"
)

const (
	reconnectMinDelay = time.Second
	reconnectMaxDelay = 30 * time.Second
)

// Listener holds one dedicated PostgreSQL connection on LISTEN dcm_events
// and republishes every payload onto the event bus. Notifications arrive in
// commit order; the relay preserves that order by publishing from a single
// goroutine.
//
// A dropped connection loses notifications sent while reconnecting. The
// listener logs the gap; clients recover missed state through the HTTP
// read APIs.
type Listener struct {
	dsn string
	bus bus.EventBus
	log *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewListener builds a listener for the given database DSN.
func NewListener(dsn string, eventBus bus.EventBus, log *logger.Logger) *Listener {
	return &Listener{dsn: dsn, bus: eventBus, log: log}
}

// Start launches the relay goroutine. Idempotent.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true

	go func() {
		defer close(l.done)
		l.run(runCtx)
	}()
}

// Stop terminates the relay and waits for it to exit. Idempotent.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done
}

func (l *Listener) run(ctx context.Context) {
	delay := reconnectMinDelay
	for {
		if ctx.Err() != nil {
			return
		}
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		l.log.Warn("notify listener disconnected, notifications during the gap are lost",
			zap.Error(err), zap.Duration("retry_in", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+store.NotifyChannel); err != nil {
		return err
	}
	l.log.Info("listening for store notifications", zap.String("channel", store.NotifyChannel))

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.relay(ctx, notification.Payload)
	}
}

func (l *Listener) relay(ctx context.Context, payload string) {
	var ev store.NotifyEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		l.log.Error("malformed notify payload", zap.Error(err))
		return
	}
	event := bus.NewEvent(ev.Channel, ev.Event, ev.Data)
	if err := l.bus.Publish(ctx, bus.Subject(ev.Channel), event); err != nil {
		l.log.Error("publish relayed event",
			zap.String("channel", ev.Channel),
			zap.String("event", ev.Event),
			zap.Error(err))
	}
}
