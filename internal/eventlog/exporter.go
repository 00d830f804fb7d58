package eventlog

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsProvider - источник счетчиков для экспортера
type StatsProvider interface {
	Stats() Stats
}

// MetricsExporter периодически переносит Stats журнала в Prometheus.
// Счетчики увеличиваются на приращение с прошлого опроса.
type MetricsExporter struct {
	src     StatsProvider
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	started bool

	appended    prometheus.Counter
	delivered   prometheus.Counter
	dropped     prometheus.Counter
	subscribers prometheus.Gauge
	prev        Stats
}

// NewMetricsExporter создаёт экспортер и регистрирует метрики в reg.
func NewMetricsExporter(src StatsProvider, reg prometheus.Registerer) (*MetricsExporter, error) {
	me := &MetricsExporter{
		src:  src,
		quit: make(chan struct{}),
		done: make(chan struct{}),
		appended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voxel", Subsystem: "eventlog", Name: "events_appended_total",
			Help: "Общее число добавленных событий повреждений.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voxel", Subsystem: "eventlog", Name: "events_delivered_total",
			Help: "Общее число событий, доставленных подписчикам.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voxel", Subsystem: "eventlog", Name: "events_dropped_total",
			Help: "События, отброшенные из-за ошибок разбора или отмены подписки.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voxel", Subsystem: "eventlog", Name: "subscribers",
			Help: "Активные подписки на журнал.",
		}),
	}

	for _, c := range []prometheus.Collector{me.appended, me.delivered, me.dropped, me.subscribers} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return me, nil
}

// Start запускает периодический опрос
func (m *MetricsExporter) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	m.started = true
	go m.loop(interval)
}

// Stop останавливает обновление метрик.
func (m *MetricsExporter) Stop() {
	m.once.Do(func() {
		close(m.quit)
		if m.started {
			<-m.done
		}
	})
}

// Collect выполняет один опрос (используется циклом и тестами)
func (m *MetricsExporter) Collect() {
	stats := m.src.Stats()

	if d := stats.Appended - m.prev.Appended; d > 0 {
		m.appended.Add(float64(d))
	}
	if d := stats.Delivered - m.prev.Delivered; d > 0 {
		m.delivered.Add(float64(d))
	}
	if d := stats.Dropped - m.prev.Dropped; d > 0 {
		m.dropped.Add(float64(d))
	}
	m.subscribers.Set(float64(stats.Subscribers))
	m.prev = stats
}

func (m *MetricsExporter) loop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(m.done)

	for {
		select {
		case <-ticker.C:
			m.Collect()
		case <-m.quit:
			return
		}
	}
}
