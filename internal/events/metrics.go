package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/events/bus"
	"github.com/dcm/dcm/internal/store"
	"github.com/dcm/dcm/pkg/protocol"
)

// MetricsInterval is how often the aggregate snapshot goes out on the
// metrics channel.
const MetricsInterval = 5 * time.Second

// MetricsPublisher periodically queries the store aggregate and publishes
// it as metric.update on the metrics channel.
type MetricsPublisher struct {
	store    store.Store
	bus      bus.EventBus
	log      *logger.Logger
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewMetricsPublisher builds a publisher with the default interval.
func NewMetricsPublisher(st store.Store, eventBus bus.EventBus, log *logger.Logger) *MetricsPublisher {
	return &MetricsPublisher{store: st, bus: eventBus, log: log, interval: MetricsInterval}
}

// Start launches the publishing loop. Idempotent.
func (p *MetricsPublisher) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.publish(runCtx)
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit. Idempotent.
func (p *MetricsPublisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
}

func (p *MetricsPublisher) publish(ctx context.Context) {
	metrics, err := p.store.Metrics(ctx)
	if err != nil {
		p.log.Warn("metrics aggregate failed", zap.Error(err))
		return
	}

	// Round-trip through JSON so the payload shape matches the wire format.
	raw, err := json.Marshal(metrics)
	if err != nil {
		p.log.Error("marshal metrics", zap.Error(err))
		return
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		p.log.Error("unmarshal metrics", zap.Error(err))
		return
	}

	event := bus.NewEvent(protocol.ChannelMetrics, protocol.EventMetricUpdate, data)
	if err := p.bus.Publish(ctx, bus.Subject(protocol.ChannelMetrics), event); err != nil {
		p.log.Error("publish metric update", zap.Error(err))
	}
}
