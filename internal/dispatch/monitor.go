package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-relay/internal/metrics"
	"github.com/lalithlochan/nimbus-relay/internal/queue"
)

// ConnectionCounter reports open store connections.
type ConnectionCounter interface {
	OpenConnections() int
}

// Monitor samples the depth of every queue in the topology and exports it
// as a gauge.
type Monitor struct {
	reader   queue.DepthReader
	topology *queue.Topology
	interval time.Duration
	logger   *zap.Logger
}

func NewMonitor(reader queue.DepthReader, topology *queue.Topology, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		reader:   reader,
		topology: topology,
		interval: interval,
		logger:   logger,
	}
}

// Start samples once immediately and then on every tick until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sample(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("depth monitor stopping")
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Sample reads every queue depth once. Failures are logged and skipped.
func (m *Monitor) Sample(ctx context.Context) map[string]int64 {
	depths := make(map[string]int64)
	for _, q := range m.topology.Queues() {
		n, err := m.reader.Len(ctx, q)
		if err != nil {
			m.logger.Warn("failed to read queue depth",
				zap.String("queue", q),
				zap.Error(err),
			)
			continue
		}
		depths[q] = n
		metrics.SetQueueDepth(q, n)
	}

	if c, ok := m.reader.(ConnectionCounter); ok {
		metrics.SetRedisConnections(c.OpenConnections())
	}
	return depths
}
