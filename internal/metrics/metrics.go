// Package metrics собирает Prometheus-метрики конвейера вокселизации,
// разрушений и стриминга чанков. Все методы безопасны для nil-получателя,
// поэтому компоненты работают и без метрик (например, в тестах).
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/annel0/voxelcarve/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voxel"

// Metrics - набор коллекторов одной сессии в собственном реестре
type Metrics struct {
	registry *prometheus.Registry

	sdfJobsStarted  prometheus.Counter
	meshesGenerated prometheus.Counter
	meshVertices    prometheus.Histogram
	objectsConsumed prometheus.Counter
	objectsFailed   prometheus.Counter
	objectsTracked  prometheus.Gauge

	damageApplied      prometheus.Counter
	damageDeferred     prometheus.Counter
	fragmentsSpawned   prometheus.Counter
	fragmentsDiscarded prometheus.Counter

	chunksGenerated   prometheus.Counter
	chunksLoaded      prometheus.Counter
	chunksSaved       prometheus.Counter
	chunkSaveFailures prometheus.Counter
	requiredChunks    *prometheus.GaugeVec
	recencyCached     prometheus.Gauge
	recencyEvicted    prometheus.Counter
}

// New создает метрики и регистрирует их в новом реестре
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sdfJobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "sdf_jobs_started_total",
			Help: "Запущенные расчеты полей расстояний.",
		}),
		meshesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "meshes_generated_total",
			Help: "Выполненные извлечения меша.",
		}),
		meshVertices: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "mesh_vertices",
			Help:    "Число вершин в извлеченных мешах.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}),
		objectsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "objects_consumed_total",
			Help: "Объекты, полностью уничтоженные (пустой меш).",
		}),
		objectsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "objects_failed_total",
			Help: "Объекты, перешедшие в состояние Failed.",
		}),
		objectsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "objects_tracked",
			Help: "Объекты под управлением конвейера.",
		}),
		damageApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "damage", Name: "applied_total",
			Help: "Примененные запросы повреждений.",
		}),
		damageDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "damage", Name: "deferred_total",
			Help: "Повреждения, отложенные из-за блокировки или неготовности объекта.",
		}),
		fragmentsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "damage", Name: "fragments_spawned_total",
			Help: "Созданные фрагменты.",
		}),
		fragmentsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "damage", Name: "fragments_discarded_total",
			Help: "Компоненты меньше порога мусора, стертые без создания объекта.",
		}),
		chunksGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "streaming", Name: "chunks_generated_total",
			Help: "Чанки, сгенерированные процедурно.",
		}),
		chunksLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "streaming", Name: "chunks_loaded_total",
			Help: "Чанки, загруженные из хранилища.",
		}),
		chunksSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "streaming", Name: "chunks_saved_total",
			Help: "Чанки, сохраненные в хранилище.",
		}),
		chunkSaveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "streaming", Name: "chunk_save_failures_total",
			Help: "Неудачные сохранения чанков.",
		}),
		requiredChunks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "streaming", Name: "required_chunks",
			Help: "Размер требуемого набора чанков наблюдателя.",
		}, []string{"observer"}),
		recencyCached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "streaming", Name: "recency_cached_chunks",
			Help: "Чанки в кэше недавно выгруженных.",
		}),
		recencyEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "streaming", Name: "recency_evicted_total",
			Help: "Чанки, вытесненные из кэша недавних.",
		}),
	}

	m.registry.MustRegister(
		m.sdfJobsStarted, m.meshesGenerated, m.meshVertices,
		m.objectsConsumed, m.objectsFailed, m.objectsTracked,
		m.damageApplied, m.damageDeferred, m.fragmentsSpawned, m.fragmentsDiscarded,
		m.chunksGenerated, m.chunksLoaded, m.chunksSaved, m.chunkSaveFailures,
		m.requiredChunks, m.recencyCached, m.recencyEvicted,
	)
	return m
}

// Registry возвращает реестр (для дополнительных коллекторов и тестов)
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SDFJobStarted() {
	if m != nil {
		m.sdfJobsStarted.Inc()
	}
}

func (m *Metrics) MeshGenerated(vertices int) {
	if m != nil {
		m.meshesGenerated.Inc()
		m.meshVertices.Observe(float64(vertices))
	}
}

func (m *Metrics) ObjectConsumed() {
	if m != nil {
		m.objectsConsumed.Inc()
	}
}

func (m *Metrics) ObjectFailed() {
	if m != nil {
		m.objectsFailed.Inc()
	}
}

func (m *Metrics) SetObjectsTracked(n int) {
	if m != nil {
		m.objectsTracked.Set(float64(n))
	}
}

func (m *Metrics) DamageApplied() {
	if m != nil {
		m.damageApplied.Inc()
	}
}

func (m *Metrics) DamageDeferred() {
	if m != nil {
		m.damageDeferred.Inc()
	}
}

func (m *Metrics) FragmentSpawned() {
	if m != nil {
		m.fragmentsSpawned.Inc()
	}
}

func (m *Metrics) FragmentsDiscarded(n int) {
	if m != nil && n > 0 {
		m.fragmentsDiscarded.Add(float64(n))
	}
}

func (m *Metrics) ChunkGenerated() {
	if m != nil {
		m.chunksGenerated.Inc()
	}
}

func (m *Metrics) ChunkLoaded() {
	if m != nil {
		m.chunksLoaded.Inc()
	}
}

func (m *Metrics) ChunkSaved() {
	if m != nil {
		m.chunksSaved.Inc()
	}
}

func (m *Metrics) ChunkSaveFailed() {
	if m != nil {
		m.chunkSaveFailures.Inc()
	}
}

func (m *Metrics) SetRequiredChunks(observer string, n int) {
	if m != nil {
		m.requiredChunks.WithLabelValues(observer).Set(float64(n))
	}
}

func (m *Metrics) ForgetObserver(observer string) {
	if m != nil {
		m.requiredChunks.DeleteLabelValues(observer)
	}
}

func (m *Metrics) SetRecencyCached(n int) {
	if m != nil {
		m.recencyCached.Set(float64(n))
	}
}

func (m *Metrics) RecencyEvicted() {
	if m != nil {
		m.recencyEvicted.Inc()
	}
}

// Server - HTTP-эндпоинт /metrics
type Server struct {
	srv *http.Server
}

// StartHTTP запускает HTTP-эндпоинт Prometheus на указанном адресе (например, ":2112").
// Метод неблокирующий: HTTP-сервер стартует в отдельной горутине.
func (m *Metrics) StartHTTP(addr string, logger *logging.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	s := &Server{srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
	go func() {
		logger.Info("📈 Prometheus /metrics доступен по адресу %s", addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Ошибка Prometheus HTTP сервера: %v", err)
		}
	}()
	return s
}

// Shutdown останавливает HTTP-сервер
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
