package sdf

import (
	"github.com/annel0/voxelcarve/internal/compute"
	"github.com/annel0/voxelcarve/internal/util"
	"github.com/go-gl/mathgl/mgl32"
)

// Sampler вычисляет значение поля в локальной точке. Реализация обязана
// быть чистой функцией: ее вызывают параллельно из воркеров.
type Sampler interface {
	Sample(p mgl32.Vec3) float32
}

// SamplerFunc адаптирует функцию к интерфейсу Sampler
type SamplerFunc func(p mgl32.Vec3) float32

func (f SamplerFunc) Sample(p mgl32.Vec3) float32 {
	return f(p)
}

// Evaluate запускает заполнение поля значениями сэмплера
func Evaluate(exec compute.Executor, f *Field, s Sampler) *compute.Job {
	return exec.Dispatch(f.Len(), func(i int) {
		f.Data[i] = s.Sample(f.PointAt(i))
	})
}

// TerrainParams - параметры процедурного рельефа с пещерами
type TerrainParams struct {
	Seed                  int64
	TunnelFrequency       float64
	TunnelThickness       float64
	Verticality           float64
	SurfaceFrequency      float64
	SurfaceAmplitude      float64
	SurfaceIntegrityDepth float64
	MacroFrequency        float64
	Octaves               int
}

// Terrain - детерминированный генератор рельефа. Таблицы шума
// создаются один раз и разделяются всеми воркерами только на чтение.
type Terrain struct {
	params TerrainParams
	height *util.Noise
	macro  *util.Noise
	micro  *util.Noise
}

// NewTerrain создает генератор для параметров
func NewTerrain(p TerrainParams) *Terrain {
	return &Terrain{
		params: p,
		height: util.NewNoise(p.Seed, p.Octaves),
		macro:  util.NewNoise(p.Seed+1, p.Octaves),
		micro:  util.NewNoise(p.Seed+2, p.Octaves),
	}
}

// Params возвращает параметры генератора
func (t *Terrain) Params() TerrainParams {
	return t.params
}

// Height возвращает высоту поверхности в колонке (x, z)
func (t *Terrain) Height(x, z float32) float64 {
	return t.params.SurfaceAmplitude * t.height.Fractal2D(float64(x), float64(z), t.params.SurfaceFrequency)
}

// SurfaceDepth возвращает глубину точки под поверхностью (отрицательна над землей)
func (t *Terrain) SurfaceDepth(p mgl32.Vec3) float64 {
	return t.Height(p[0], p[2]) - float64(p[1])
}

// Sample возвращает значение поля в точке
func (t *Terrain) Sample(p mgl32.Vec3) float32 {
	x, y, z := float64(p[0]), float64(p[1]), float64(p[2])

	terrainHeight := t.Height(p[0], p[2])
	groundSdf := y - terrainHeight

	// Вертикальность растягивает туннели по оси Y
	vy := y * (1 - clamp(t.params.Verticality, 0, 0.9))
	thickness := t.params.TunnelThickness

	macroNoise := t.macro.Fractal3D(x, vy, z, t.params.MacroFrequency)
	microNoise := 1 - abs(t.micro.Fractal3D(x, vy, z, t.params.TunnelFrequency))
	microSdf := microNoise - thickness
	caveSdf := microSdf - macroNoise*thickness*0.75

	// У поверхности пещеры плавно заполняются породой
	integrity := t.params.SurfaceIntegrityDepth
	if depth := terrainHeight - y; integrity > 0 && depth >= 0 && depth < integrity {
		caveSdf -= (integrity - depth) / integrity
	}

	return float32(max(caveSdf, groundSdf))
}

// FillField запускает заполнение поля рельефом
func (t *Terrain) FillField(exec compute.Executor, f *Field) *compute.Job {
	return Evaluate(exec, f, t)
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
