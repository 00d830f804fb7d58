package damage

import (
	"encoding/binary"
	"math"
	"math/rand/v2"

	"github.com/annel0/voxelcarve/internal/sdf"
	"github.com/annel0/voxelcarve/internal/vec"
	"github.com/cespare/xxhash/v2"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

// Options - параметры фрагментации
type Options struct {
	// MinDebrisVoxels - минимальный размер компоненты для создания фрагмента
	MinDebrisVoxels int
	// Margin - отступ вокруг фрагмента, чтобы поверхность замкнулась
	Margin int
	// OutsideValue - значение "полностью снаружи" для стертых отсчетов
	OutsideValue float32
	// Namespace - пространство имен UUID v5 для идентификаторов фрагментов
	Namespace uuid.UUID
}

// Fragment - оторвавшаяся часть объекта с собственным полем
type Fragment struct {
	ID       uuid.UUID
	Field    *sdf.Field
	Centroid mgl32.Vec3
	// Direction - единичное направление выброса
	Direction mgl32.Vec3
	Voxels    int
}

// Index возвращает индекс объекта фрагмента (первые 8 байт идентификатора)
func (f *Fragment) Index() uint64 {
	return binary.LittleEndian.Uint64(f.ID[:8])
}

// Result - итог фрагментации одного объекта
type Result struct {
	Fragments []Fragment
	// Discarded - компоненты меньше порога, стертые без создания объекта
	Discarded int
	// Erased - число отсчетов, переписанных в исходном поле как пустые
	Erased int
}

// Split сообщает, что от объекта что-то отделилось
func (r Result) Split() bool {
	return len(r.Fragments) > 0 || r.Discarded > 0
}

// Engine выполняет фрагментацию полей
type Engine struct {
	opts Options
}

// NewEngine создает движок фрагментации
func NewEngine(opts Options) *Engine {
	if opts.MinDebrisVoxels < 1 {
		opts.MinDebrisVoxels = 1
	}
	if opts.OutsideValue <= 0 {
		opts.OutsideValue = 1
	}
	if opts.Margin < 1 {
		opts.Margin = 1
	}
	return &Engine{opts: opts}
}

// Options возвращает параметры движка
func (e *Engine) Options() Options {
	return e.opts
}

// Fragment делит поле на компоненты. Наибольшая остается у объекта,
// остальные становятся фрагментами или стираются. Все обработанные
// отсчеты записываются в исходное поле как пустые.
func (e *Engine) Fragment(sourceID uint64, f *sdf.Field, seed uint64) Result {
	components := FindComponents(f)
	if len(components) <= 1 {
		return Result{}
	}

	var res Result
	anchor := components[0].Centroid(f)

	for i := 1; i < len(components); i++ {
		comp := &components[i]
		if comp.Size() >= e.opts.MinDebrisVoxels {
			res.Fragments = append(res.Fragments, e.extract(sourceID, f, comp, anchor, seed))
		} else {
			res.Discarded++
		}
	}

	for i := 1; i < len(components); i++ {
		for _, idx := range components[i].Indices {
			f.Data[idx] = e.opts.OutsideValue
		}
		res.Erased += components[i].Size()
	}
	return res
}

// extract копирует компоненту в новое поле с отступом
func (e *Engine) extract(sourceID uint64, parent *sdf.Field, comp *Component, anchor mgl32.Vec3, seed uint64) Fragment {
	margin := vec.Splat(e.opts.Margin)
	lo := comp.Min.Sub(margin)
	hi := comp.Max.Add(margin)

	sub := sdf.NewFieldWithSpacing(hi.Sub(lo).Add(vec.Splat(1)), parent.Point(lo.X, lo.Y, lo.Z), parent.Spacing)
	sub.Fill(e.opts.OutsideValue)

	// Положительные значения родителя сохраняют точное положение поверхности
	for z := 0; z < sub.Resolution.Z; z++ {
		for y := 0; y < sub.Resolution.Y; y++ {
			for x := 0; x < sub.Resolution.X; x++ {
				pc := lo.Add(vec.New(x, y, z))
				if !parent.InRange(pc) {
					continue
				}
				if v := parent.At(pc.X, pc.Y, pc.Z); v >= 0 {
					sub.Set(x, y, z, v)
				}
			}
		}
	}
	for _, idx := range comp.Indices {
		pc := parent.Coords(idx).Sub(lo)
		sub.Set(pc.X, pc.Y, pc.Z, parent.Data[idx])
	}

	centroid := comp.Centroid(parent)
	centroidHash := hashCentroid(centroid)

	return Fragment{
		ID:        FragmentID(e.opts.Namespace, sourceID, centroidHash, seed),
		Field:     sub,
		Centroid:  centroid,
		Direction: ejectDirection(centroid.Sub(anchor), seed^centroidHash),
		Voxels:    comp.Size(),
	}
}

// hashCentroid хэширует центроид, квантованный до 1/1024
func hashCentroid(c mgl32.Vec3) uint64 {
	var buf [12]byte
	for a := 0; a < 3; a++ {
		q := int32(math.Round(float64(c[a]) * 1024))
		binary.LittleEndian.PutUint32(buf[a*4:], uint32(q))
	}
	return xxhash.Sum64(buf[:])
}

// FragmentID - детерминированный идентификатор фрагмента (UUID v5 от
// исходного объекта, хэша центроида и сида события)
func FragmentID(namespace uuid.UUID, sourceID, centroidHash, seed uint64) uuid.UUID {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:], sourceID)
	binary.LittleEndian.PutUint64(buf[8:], centroidHash)
	binary.LittleEndian.PutUint64(buf[16:], seed)
	return uuid.NewSHA1(namespace, buf[:])
}

// ejectDirection - направление от основной части со случайным отклонением
func ejectDirection(away mgl32.Vec3, seed uint64) mgl32.Vec3 {
	rng := rand.New(rand.NewPCG(seed, seed>>32|seed<<32))
	jitter := mgl32.Vec3{
		float32(rng.Float64()*2 - 1),
		float32(rng.Float64()*2 - 1),
		float32(rng.Float64()*2 - 1),
	}

	if away.Len() > 1e-6 {
		away = away.Normalize()
	}
	dir := away.Add(jitter.Mul(0.35))
	if dir.Len() < 1e-6 {
		return mgl32.Vec3{0, 1, 0}
	}
	return dir.Normalize()
}
