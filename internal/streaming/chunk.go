// Package streaming подгружает чанки рельефа вокруг движущихся наблюдателей:
// "ковер" под ногами, заливка по пещерам под землей, генерация, хранение
// на диске и сшивание границ соседних чанков.
package streaming

import (
	"math"

	"github.com/annel0/voxelcarve/internal/sdf"
	"github.com/annel0/voxelcarve/internal/vec"
	"github.com/go-gl/mathgl/mgl32"
)

// Source - откуда чанк попал в память
type Source int

const (
	SourceGenerated Source = iota
	SourceStore
)

func (s Source) String() string {
	switch s {
	case SourceGenerated:
		return "generated"
	case SourceStore:
		return "store"
	default:
		return "unknown"
	}
}

// Chunk - кубический участок мира со своим полем расстояний.
// Соседние чанки разделяют граничные плоскости отсчетов.
type Chunk struct {
	Coord  vec.Vec3
	Field  *sdf.Field
	Dirty  bool
	Source Source
}

// Trivial сообщает, что в чанке не может быть видимой поверхности
func (c *Chunk) Trivial() bool {
	return c.Field.IsTrivial()
}

// Generator - процедурный источник значений поля
type Generator interface {
	sdf.Sampler
	// SurfaceDepth - глубина точки под поверхностью, положительна под землей
	SurfaceDepth(p mgl32.Vec3) float64
}

// Layout - геометрия сетки чанков
type Layout struct {
	Size       float32
	Resolution int
}

// ChunkOf возвращает координату чанка, содержащего точку
func (l Layout) ChunkOf(p mgl32.Vec3) vec.Vec3 {
	return vec.New(
		int(math.Floor(float64(p[0]/l.Size))),
		int(math.Floor(float64(p[1]/l.Size))),
		int(math.Floor(float64(p[2]/l.Size))),
	)
}

// Origin возвращает мировую позицию первого отсчета чанка
func (l Layout) Origin(c vec.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{float32(c.X) * l.Size, float32(c.Y) * l.Size, float32(c.Z) * l.Size}
}

// NewField создает пустое поле чанка: отсчеты в c·S + i·S/(R−1)
func (l Layout) NewField(c vec.Vec3) *sdf.Field {
	step := l.Size / float32(l.Resolution-1)
	return sdf.NewFieldWithSpacing(vec.Splat(l.Resolution), l.Origin(c), mgl32.Vec3{step, step, step})
}
