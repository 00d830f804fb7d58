package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/voxelcarve/internal/compute"
	"github.com/annel0/voxelcarve/internal/config"
	"github.com/annel0/voxelcarve/internal/damage"
	"github.com/annel0/voxelcarve/internal/eventlog"
	"github.com/annel0/voxelcarve/internal/logging"
	"github.com/annel0/voxelcarve/internal/mesher"
	"github.com/annel0/voxelcarve/internal/metrics"
	"github.com/annel0/voxelcarve/internal/pipeline"
	"github.com/annel0/voxelcarve/internal/sdf"
	"github.com/annel0/voxelcarve/internal/storage"
	"github.com/annel0/voxelcarve/internal/streaming"
	"github.com/annel0/voxelcarve/internal/world"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

const (
	spawnObserver  = "spawn"
	demoInterval   = 2 * time.Second
	exportInterval = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (или ENV VOXEL_CONFIG)")
	demo := flag.Bool("demo", false, "периодически повреждать ящики и рельеф")
	crates := flag.Int("crates", 4, "число ящиков в демо-сцене")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}

	logOpts := logging.Options{
		ConsoleLevel: logging.ParseLevel(cfg.Logging.Level),
		FileLevel:    logging.ParseLevel(cfg.Logging.FileLevel),
		Dir:          cfg.Logging.Dir,
	}
	if err := logging.InitDefaultLogger("server", logOpts); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	loggers := logging.NewLoggerManager(logOpts)
	defer loggers.CloseAll()

	logging.Info("🎮 Запуск сервера разрушаемых объектов...")

	// === ИНИЦИАЛИЗАЦИЯ КОМПОНЕНТОВ ===

	mt := metrics.New()

	exec := compute.NewPool(cfg.Compute.Workers, cfg.Compute.BatchSize)
	defer exec.Stop()
	logging.Info("⚙️ Вычислитель: %d воркеров, пачка %d", exec.Workers(), cfg.Compute.BatchSize)

	store, err := storage.Open(cfg.Storage.Backend, cfg.Storage.GetPath())
	if err != nil {
		log.Fatalf("❌ Ошибка открытия хранилища чанков: %v", err)
	}
	defer store.Close()
	logging.Info("💾 Хранилище чанков: %s (%s)", cfg.Storage.Backend, cfg.Storage.GetPath())

	events, deleted, err := openEventLog(cfg.EventLog, loggers.GetComponentLogger("eventlog"))
	if err != nil {
		log.Fatalf("❌ Ошибка открытия журнала событий: %v", err)
	}
	defer events.Close()
	defer deleted.Close()

	exporter, err := eventlog.NewMetricsExporter(events, mt.Registry())
	if err != nil {
		log.Fatalf("❌ Ошибка регистрации метрик журнала: %v", err)
	}
	exporter.Start(exportInterval)
	defer exporter.Stop()

	namespace, err := uuid.Parse(cfg.Damage.Namespace)
	if err != nil {
		log.Fatalf("❌ Некорректное пространство имен фрагментов: %v", err)
	}

	settings := mesher.DefaultSettings()
	settings.Scale = cfg.Pipeline.MeshScale

	// Зерна повреждений не повторяются между запусками
	bootSeed := rand.Uint64()

	scene := newSceneHost(loggers.GetComponentLogger("scene"))
	session, err := world.NewSession(world.Options{
		Pipeline: pipeline.Options{
			MaxSDFJobsPerTick: cfg.Pipeline.MaxSDFJobsPerTick,
			MaxMeshesPerTick:  cfg.Pipeline.MaxMeshesPerTick,
			RemeshDelay:       cfg.Pipeline.RemeshDelay,
			Limits: sdf.ResolutionLimits{
				Min:    cfg.Pipeline.MinResolution,
				Max:    cfg.Pipeline.MaxResolution,
				Budget: cfg.Pipeline.VoxelBudget,
			},
			BoundsPadding: cfg.Pipeline.BoundsPadding,
			Settings:      settings,
		},
		Damage: damage.Options{
			MinDebrisVoxels: cfg.Damage.MinDebrisVoxels,
			Margin:          cfg.Damage.FragmentMargin,
			OutsideValue:    cfg.Damage.OutsideValue,
			Namespace:       namespace,
		},
		Seed: bootSeed,
	}, world.Deps{
		Exec:    exec,
		Host:    scene,
		Events:  events,
		Deleted: deleted,
		Logger:  loggers.GetComponentLogger("pipeline"),
		Metrics: mt,
	})
	if err != nil {
		if errors.Is(err, world.ErrNoComputeDevice) {
			log.Fatalf("❌ Нет вычислительного устройства: %v", err)
		}
		log.Fatalf("❌ Ошибка создания сессии: %v", err)
	}
	logging.Debug("🎲 Зерно сессии: %d", bootSeed)

	terrain := sdf.NewTerrain(sdf.TerrainParams{
		Seed:                  cfg.Terrain.Seed,
		TunnelFrequency:       cfg.Terrain.TunnelFrequency,
		TunnelThickness:       cfg.Terrain.TunnelThickness,
		Verticality:           cfg.Terrain.Verticality,
		SurfaceFrequency:      cfg.Terrain.SurfaceFrequency,
		SurfaceAmplitude:      cfg.Terrain.SurfaceAmplitude,
		SurfaceIntegrityDepth: cfg.Terrain.SurfaceIntegrityDepth,
		MacroFrequency:        cfg.Terrain.MacroFrequency,
		Octaves:               cfg.Terrain.Octaves,
	})

	streamLogger := loggers.GetComponentLogger("streaming")
	sink := streaming.NewLocalSink(func(observer string) *streaming.View {
		return streaming.NewView(mesher.New(exec), settings, cfg.Streaming.RecencyCacheSize, streamLogger, mt)
	}, streamLogger)

	controller, err := streaming.NewController(streaming.Options{
		Layout: streaming.Layout{
			Size:       cfg.Streaming.ChunkSize,
			Resolution: cfg.Streaming.ChunkResolution,
		},
		UpdateInterval:          cfg.Streaming.UpdateInterval,
		CarpetRadius:            cfg.Streaming.CarpetRadius,
		CarpetAbove:             cfg.Streaming.CarpetAbove,
		CarpetBelow:             cfg.Streaming.CarpetBelow,
		UndergroundThreshold:    cfg.Streaming.UndergroundThreshold,
		UndergroundLoadDistance: cfg.Streaming.UndergroundLoadDistance,
		MinChunkY:               cfg.Streaming.MinChunkY,
		MaxChunkY:               cfg.Streaming.MaxChunkY,
		BedrockLayers:           cfg.Streaming.BedrockLayers,
	}, terrain, exec, store, sink, streamLogger, mt)
	if err != nil {
		log.Fatalf("❌ Ошибка создания контроллера чанков: %v", err)
	}

	ground := float32(terrain.Height(0, 0))
	if err := controller.AddObserver(spawnObserver, mgl32.Vec3{0, ground + 2, 0}); err != nil {
		log.Fatalf("❌ Ошибка добавления наблюдателя: %v", err)
	}

	for i := 0; i < *crates; i++ {
		pos := mgl32.Vec3{float32(i*4) - float32(*crates*2), ground + 1, 6}
		crate := scene.Crate(uint64(i+1), pos, 2)
		if err := session.RegisterObject(crate); err != nil {
			logging.Error("❌ Ящик %d не зарегистрирован: %v", crate.id, err)
		}
	}
	logging.Info("📦 В сцене %d ящиков", *crates)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = mt.StartHTTP(fmt.Sprintf(":%d", cfg.Metrics.GetMetricsPort()), logging.Default())
	}

	logging.Info("✅ Сервер запущен: тик %v, чанк %.0f/%d", cfg.Pipeline.TickInterval,
		cfg.Streaming.ChunkSize, cfg.Streaming.ChunkResolution)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Pipeline.TickInterval)
	defer ticker.Stop()

	rng := rand.New(rand.NewPCG(uint64(cfg.Terrain.Seed), 0))
	last := time.Now()
	lastSave, lastDemo := last, last

loop:
	for {
		select {
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now

			scene.Integrate(float32(dt.Seconds()))
			session.Tick(dt)
			controller.Tick(dt)

			if *demo && now.Sub(lastDemo) >= demoInterval {
				lastDemo = now
				demoDamage(session, scene, controller, rng)
			}
			if now.Sub(lastSave) >= cfg.Storage.SaveInterval {
				lastSave = now
				if saved, failed := controller.Flush(); saved+failed > 0 {
					logging.Info("💾 Автосохранение: %d чанков, ошибок %d", saved, failed)
				}
			}

		case sig := <-sigCh:
			logging.Info("📡 Получен сигнал %v, завершение работы...", sig)
			break loop
		}
	}

	// === GRACEFUL SHUTDOWN ===
	session.Close()
	saved, failed := controller.Flush()
	logging.Info("💾 Сохранено чанков: %d, ошибок: %d", saved, failed)

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(ctx); err != nil {
			logging.Error("❌ Ошибка остановки /metrics: %v", err)
		}
		cancel()
	}

	logging.Info("👋 Сервер успешно остановлен")
}

// openEventLog открывает журнал повреждений и журнал удаленных фрагментов
func openEventLog(cfg config.EventLogConfig, logger *logging.Logger) (eventlog.Log, eventlog.DeletedLog, error) {
	switch cfg.Backend {
	case "jetstream":
		js, err := eventlog.NewJetStreamLog(cfg.URL, cfg.Stream, cfg.Retention, logger)
		if err != nil {
			return nil, nil, err
		}
		deleted, err := js.Deleted(context.Background())
		if err != nil {
			_ = js.Close()
			return nil, nil, err
		}
		return js, deleted, nil
	default:
		return eventlog.NewMemoryLog(), eventlog.NewDeletedSet(), nil
	}
}

// demoDamage бьет случайный живой объект и выгрызает воронку в рельефе
func demoDamage(session *world.Session, scene *sceneHost, controller *streaming.Controller, rng *rand.Rand) {
	alive := scene.Alive()
	if len(alive) > 0 {
		target := alive[rng.IntN(len(alive))]
		if session.IsManaged(target) {
			offset := mgl32.Vec3{rng.Float32() - 0.5, rng.Float32() - 0.5, rng.Float32() - 0.5}
			point := target.Position().Add(offset)
			if err := session.RequestDamage(context.Background(), target, point, 0.8, 3); err != nil {
				logging.Warn("⚠️ Повреждение объекта %d: %v", target.id, err)
			}
		}
	}

	center := mgl32.Vec3{rng.Float32()*32 - 16, 0, rng.Float32()*32 - 16}
	touched := controller.CarveTerrain(center, 3, 4)
	logging.Debug("🕳️ Воронка в %v затронула %d чанков", center, len(touched))
}
