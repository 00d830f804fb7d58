package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации сервиса.
type Config struct {
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Damage    DamageConfig    `yaml:"damage"`
	Terrain   TerrainConfig   `yaml:"terrain"`
	Streaming StreamingConfig `yaml:"streaming"`
	Storage   StorageConfig   `yaml:"storage"`
	Compute   ComputeConfig   `yaml:"compute"`
	EventLog  EventLogConfig  `yaml:"eventlog"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// PipelineConfig - бюджеты планировщика и адаптивное разрешение
type PipelineConfig struct {
	MaxSDFJobsPerTick int           `yaml:"max_sdf_jobs_per_tick"`
	MaxMeshesPerTick  int           `yaml:"max_meshes_per_tick"`
	RemeshDelay       time.Duration `yaml:"remesh_delay"`
	MinResolution     int           `yaml:"min_resolution"`
	MaxResolution     int           `yaml:"max_resolution"`
	VoxelBudget       int           `yaml:"voxel_budget"`
	BoundsPadding     float32       `yaml:"bounds_padding"`
	MeshScale         float32       `yaml:"mesh_scale"`
	TickInterval      time.Duration `yaml:"tick_interval"`
}

// DamageConfig - параметры разрушения и фрагментации
type DamageConfig struct {
	MinDebrisVoxels int     `yaml:"min_debris_voxels"`
	FragmentMargin  int     `yaml:"fragment_margin"`
	OutsideValue    float32 `yaml:"outside_value"`
	// Namespace - UUID пространства имен для идентификаторов фрагментов
	Namespace string `yaml:"namespace"`
}

// TerrainConfig - параметры процедурного рельефа
type TerrainConfig struct {
	Seed                  int64   `yaml:"seed"`
	TunnelFrequency       float64 `yaml:"tunnel_frequency"`
	TunnelThickness       float64 `yaml:"tunnel_thickness"`
	Verticality           float64 `yaml:"verticality"`
	SurfaceFrequency      float64 `yaml:"surface_frequency"`
	SurfaceAmplitude      float64 `yaml:"surface_amplitude"`
	SurfaceIntegrityDepth float64 `yaml:"surface_integrity_depth"`
	MacroFrequency        float64 `yaml:"macro_frequency"`
	Octaves               int     `yaml:"octaves"`
}

// StreamingConfig - параметры стриминга чанков
type StreamingConfig struct {
	ChunkSize               float32       `yaml:"chunk_size"`
	ChunkResolution         int           `yaml:"chunk_resolution"`
	UpdateInterval          time.Duration `yaml:"update_interval"`
	CarpetRadius            int           `yaml:"carpet_radius"`
	CarpetAbove             int           `yaml:"carpet_above"`
	CarpetBelow             int           `yaml:"carpet_below"`
	UndergroundThreshold    float64       `yaml:"underground_threshold"`
	UndergroundLoadDistance int           `yaml:"underground_load_distance"`
	MinChunkY               int           `yaml:"min_chunk_y"`
	MaxChunkY               int           `yaml:"max_chunk_y"`
	BedrockLayers           int           `yaml:"bedrock_layers"`
	RecencyCacheSize        int           `yaml:"recency_cache_size"`
}

// StorageConfig - хранилище чанков: "file" или "badger"
type StorageConfig struct {
	Backend      string        `yaml:"backend"`
	Path         string        `yaml:"path"`
	SaveInterval time.Duration `yaml:"save_interval"`
}

// ComputeConfig - пул вычислительных воркеров
type ComputeConfig struct {
	Workers   int `yaml:"workers"`
	BatchSize int `yaml:"batch_size"`
}

// EventLogConfig - журнал событий повреждений
type EventLogConfig struct {
	// Backend: "memory" или "jetstream"
	Backend string `yaml:"backend"`
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
	// Retention - MaxAge потока JetStream. 0 - хранить всю историю;
	// любое другое значение ломает повторное подключение наблюдателей
	// к журналу с начала.
	Retention time.Duration `yaml:"retention"`
}

// MetricsConfig - экспорт метрик Prometheus
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig - уровни и директория логов
type LoggingConfig struct {
	Level     string `yaml:"level"`
	FileLevel string `yaml:"file_level"`
	Dir       string `yaml:"dir"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			MaxSDFJobsPerTick: 2,
			MaxMeshesPerTick:  4,
			RemeshDelay:       100 * time.Millisecond,
			MinResolution:     4,
			MaxResolution:     64,
			VoxelBudget:       64 * 64 * 64,
			BoundsPadding:     0.1,
			MeshScale:         1,
			TickInterval:      50 * time.Millisecond,
		},
		Damage: DamageConfig{
			MinDebrisVoxels: 8,
			FragmentMargin:  2,
			OutsideValue:    1,
			Namespace:       "6f1f4a0e-4c1b-5d7e-9a57-3f0c2b8e9d41",
		},
		Terrain: TerrainConfig{
			Seed:                  1337,
			TunnelFrequency:       0.05,
			TunnelThickness:       0.85,
			Verticality:           0.5,
			SurfaceFrequency:      0.01,
			SurfaceAmplitude:      24,
			SurfaceIntegrityDepth: 6,
			MacroFrequency:        0.008,
			Octaves:               3,
		},
		Streaming: StreamingConfig{
			ChunkSize:               16,
			ChunkResolution:         17,
			UpdateInterval:          500 * time.Millisecond,
			CarpetRadius:            2,
			CarpetAbove:             1,
			CarpetBelow:             1,
			UndergroundThreshold:    4,
			UndergroundLoadDistance: 3,
			MinChunkY:               -8,
			MaxChunkY:               8,
			BedrockLayers:           2,
			RecencyCacheSize:        64,
		},
		Storage: StorageConfig{
			Backend:      "file",
			Path:         "data/chunks",
			SaveInterval: 30 * time.Second,
		},
		Compute: ComputeConfig{
			Workers:   0,
			BatchSize: 256,
		},
		EventLog: EventLogConfig{
			Backend: "memory",
			URL:     "nats://127.0.0.1:4222",
			Stream:  "VOXEL_DAMAGE",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    0,
		},
		Logging: LoggingConfig{
			Level:     "info",
			FileLevel: "debug",
		},
	}
}

// GetMetricsPort возвращает порт метрик с поддержкой fallback значений
func (m *MetricsConfig) GetMetricsPort() int {
	return getPortWithEnvFallback(m.Port, "VOXEL_METRICS_PORT", 2112)
}

// GetPath возвращает путь хранилища: config -> env -> default
func (s *StorageConfig) GetPath() string {
	if s.Path != "" {
		return s.Path
	}
	if env := os.Getenv("VOXEL_DATA_PATH"); env != "" {
		return env
	}
	return "data/chunks"
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}

	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}

	return defaultPort
}

// Validate проверяет согласованность значений
func (c *Config) Validate() error {
	var errs []error
	if c.Pipeline.MinResolution < 2 {
		errs = append(errs, fmt.Errorf("pipeline.min_resolution должен быть >= 2, получено %d", c.Pipeline.MinResolution))
	}
	if c.Pipeline.MaxResolution < c.Pipeline.MinResolution {
		errs = append(errs, fmt.Errorf("pipeline.max_resolution (%d) меньше min_resolution (%d)",
			c.Pipeline.MaxResolution, c.Pipeline.MinResolution))
	}
	if c.Pipeline.VoxelBudget <= 0 {
		errs = append(errs, errors.New("pipeline.voxel_budget должен быть положительным"))
	}
	if c.Pipeline.MaxSDFJobsPerTick <= 0 || c.Pipeline.MaxMeshesPerTick <= 0 {
		errs = append(errs, errors.New("бюджеты pipeline на тик должны быть положительными"))
	}
	if c.Pipeline.TickInterval <= 0 {
		errs = append(errs, errors.New("pipeline.tick_interval должен быть положительным"))
	}
	if c.EventLog.Retention < 0 {
		errs = append(errs, errors.New("eventlog.retention не может быть отрицательным"))
	}
	if c.Storage.SaveInterval <= 0 {
		errs = append(errs, errors.New("storage.save_interval должен быть положительным"))
	}
	if c.Damage.MinDebrisVoxels < 1 {
		errs = append(errs, errors.New("damage.min_debris_voxels должен быть >= 1"))
	}
	if c.Damage.OutsideValue <= 0 {
		errs = append(errs, errors.New("damage.outside_value должен быть положительным"))
	}
	if c.Streaming.ChunkResolution < 2 || c.Streaming.ChunkSize <= 0 {
		errs = append(errs, errors.New("streaming: некорректный размер или разрешение чанка"))
	}
	if c.Streaming.MinChunkY > c.Streaming.MaxChunkY {
		errs = append(errs, errors.New("streaming.min_chunk_y больше max_chunk_y"))
	}
	if c.Streaming.BedrockLayers >= c.Streaming.ChunkResolution {
		errs = append(errs, errors.New("streaming.bedrock_layers должен быть меньше разрешения чанка"))
	}
	switch c.Storage.Backend {
	case "file", "badger":
	default:
		errs = append(errs, fmt.Errorf("неизвестный storage.backend: %q", c.Storage.Backend))
	}
	switch c.EventLog.Backend {
	case "memory", "jetstream":
	default:
		errs = append(errs, fmt.Errorf("неизвестный eventlog.backend: %q", c.EventLog.Backend))
	}
	return errors.Join(errs...)
}

// Load читает YAML файл конфигурации поверх значений по умолчанию.
// Если path == "", пытается прочитать путь из ENV VOXEL_CONFIG,
// а при его отсутствии возвращает конфигурацию по умолчанию.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("VOXEL_CONFIG")
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать конфигурацию %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора конфигурации %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("некорректная конфигурация: %w", err)
	}

	return cfg, nil
}
