// Package sdf строит поля знаковых расстояний (SDF): из треугольных мешей
// и из процедурного рельефа, а также подбирает адаптивное разрешение сетки.
package sdf

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/annel0/voxelcarve/internal/vec"
	"github.com/cespare/xxhash/v2"
	"github.com/go-gl/mathgl/mgl32"
)

// MinAxisResolution - абсолютный минимум отсчетов по оси: кубу нужно два угла
const MinAxisResolution = 2

// Bounds - осевой ограничивающий параллелепипед
type Bounds struct {
	Min mgl32.Vec3
	Max mgl32.Vec3
}

// Size возвращает размеры по осям
func (b Bounds) Size() mgl32.Vec3 {
	return b.Max.Sub(b.Min)
}

// Center возвращает центр
func (b Bounds) Center() mgl32.Vec3 {
	return b.Min.Add(b.Max).Mul(0.5)
}

// Expand расширяет границы на pad во все стороны
func (b Bounds) Expand(pad float32) Bounds {
	p := mgl32.Vec3{pad, pad, pad}
	return Bounds{Min: b.Min.Sub(p), Max: b.Max.Add(p)}
}

// Contains проверяет попадание точки (включая границу)
func (b Bounds) Contains(p mgl32.Vec3) bool {
	return p[0] >= b.Min[0] && p[0] <= b.Max[0] &&
		p[1] >= b.Min[1] && p[1] <= b.Max[1] &&
		p[2] >= b.Min[2] && p[2] <= b.Max[2]
}

// Field - трехмерная сетка знаковых расстояний.
// Отрицательные значения - внутри твердого тела, положительные - снаружи.
// Отсчет (x,y,z) расположен в точке Origin + (x,y,z)*Spacing,
// его индекс x + y*Rx + z*Rx*Ry.
type Field struct {
	Resolution vec.Vec3
	Origin     mgl32.Vec3
	Spacing    mgl32.Vec3
	Data       []float32
}

// NewField создает поле, растянутое на границы: крайние отсчеты лежат на Min и Max
func NewField(res vec.Vec3, b Bounds) *Field {
	res = res.AtLeast(MinAxisResolution)
	size := b.Size()
	spacing := mgl32.Vec3{
		size[0] / float32(res.X-1),
		size[1] / float32(res.Y-1),
		size[2] / float32(res.Z-1),
	}
	return NewFieldWithSpacing(res, b.Min, spacing)
}

// NewFieldWithSpacing создает поле с явным шагом сетки
func NewFieldWithSpacing(res vec.Vec3, origin, spacing mgl32.Vec3) *Field {
	res = res.AtLeast(MinAxisResolution)
	return &Field{
		Resolution: res,
		Origin:     origin,
		Spacing:    spacing,
		Data:       make([]float32, res.Volume()),
	}
}

// Len возвращает число отсчетов
func (f *Field) Len() int {
	return len(f.Data)
}

// Index переводит координаты сетки в плоский индекс
func (f *Field) Index(x, y, z int) int {
	return x + y*f.Resolution.X + z*f.Resolution.X*f.Resolution.Y
}

// Coords переводит плоский индекс в координаты сетки
func (f *Field) Coords(i int) vec.Vec3 {
	rx, ry := f.Resolution.X, f.Resolution.Y
	return vec.Vec3{X: i % rx, Y: (i / rx) % ry, Z: i / (rx * ry)}
}

// InRange проверяет, что координаты лежат внутри сетки
func (f *Field) InRange(c vec.Vec3) bool {
	return c.X >= 0 && c.Y >= 0 && c.Z >= 0 &&
		c.X < f.Resolution.X && c.Y < f.Resolution.Y && c.Z < f.Resolution.Z
}

// At возвращает значение отсчета
func (f *Field) At(x, y, z int) float32 {
	return f.Data[f.Index(x, y, z)]
}

// Set записывает значение отсчета
func (f *Field) Set(x, y, z int, v float32) {
	f.Data[f.Index(x, y, z)] = v
}

// Point возвращает локальную позицию отсчета
func (f *Field) Point(x, y, z int) mgl32.Vec3 {
	return mgl32.Vec3{
		f.Origin[0] + float32(x)*f.Spacing[0],
		f.Origin[1] + float32(y)*f.Spacing[1],
		f.Origin[2] + float32(z)*f.Spacing[2],
	}
}

// PointAt возвращает позицию отсчета по плоскому индексу
func (f *Field) PointAt(i int) mgl32.Vec3 {
	c := f.Coords(i)
	return f.Point(c.X, c.Y, c.Z)
}

// Bounds возвращает границы, покрытые отсчетами
func (f *Field) Bounds() Bounds {
	return Bounds{Min: f.Origin, Max: f.Point(f.Resolution.X-1, f.Resolution.Y-1, f.Resolution.Z-1)}
}

// ToGrid переводит локальную точку в дробные координаты сетки
func (f *Field) ToGrid(p mgl32.Vec3) mgl32.Vec3 {
	d := p.Sub(f.Origin)
	return mgl32.Vec3{d[0] / f.Spacing[0], d[1] / f.Spacing[1], d[2] / f.Spacing[2]}
}

// Fill присваивает всем отсчетам одно значение
func (f *Field) Fill(v float32) {
	for i := range f.Data {
		f.Data[i] = v
	}
}

// Clone возвращает независимую копию поля
func (f *Field) Clone() *Field {
	c := *f
	c.Data = make([]float32, len(f.Data))
	copy(c.Data, f.Data)
	return &c
}

// SolidCount возвращает число отсчетов внутри тела (< 0)
func (f *Field) SolidCount() int {
	n := 0
	for _, v := range f.Data {
		if v < 0 {
			n++
		}
	}
	return n
}

// IsTrivial сообщает, что поле целиком твердое или целиком пустое
// и поэтому не может содержать поверхность.
func (f *Field) IsTrivial() bool {
	if len(f.Data) == 0 {
		return true
	}
	solid := f.Data[0] < 0
	for _, v := range f.Data[1:] {
		if (v < 0) != solid {
			return false
		}
	}
	return true
}

// Checksum возвращает xxhash от разрешения и значений отсчетов
func (f *Field) Checksum() uint64 {
	d := xxhash.New()
	var buf [4]byte
	for _, n := range [3]int{f.Resolution.X, f.Resolution.Y, f.Resolution.Z} {
		binary.LittleEndian.PutUint32(buf[:], uint32(n))
		_, _ = d.Write(buf[:])
	}
	for _, v := range f.Data {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// Validate проверяет инвариант длины массива
func (f *Field) Validate() error {
	if f.Resolution.X < MinAxisResolution || f.Resolution.Y < MinAxisResolution || f.Resolution.Z < MinAxisResolution {
		return fmt.Errorf("разрешение %v меньше минимума %d", f.Resolution, MinAxisResolution)
	}
	if len(f.Data) != f.Resolution.Volume() {
		return fmt.Errorf("длина данных %d не совпадает с разрешением %v", len(f.Data), f.Resolution)
	}
	return nil
}
