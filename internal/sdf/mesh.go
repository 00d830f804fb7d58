package sdf

import (
	"errors"
	"fmt"
	"math"

	"github.com/annel0/voxelcarve/internal/compute"
	"github.com/annel0/voxelcarve/internal/vec"
	"github.com/go-gl/mathgl/mgl32"
)

var (
	// ErrEmptyMesh - у объекта нет геометрии для вокселизации
	ErrEmptyMesh = errors.New("меш не содержит треугольников")
	// ErrInvalidIndices - индексы треугольников выходят за массив вершин
	ErrInvalidIndices = errors.New("некорректные индексы треугольников")
)

// TriangleMesh - исходная геометрия объекта в локальных координатах
type TriangleMesh struct {
	Vertices []mgl32.Vec3
	Indices  []uint32
}

// TriangleCount возвращает число треугольников
func (m *TriangleMesh) TriangleCount() int {
	if m == nil {
		return 0
	}
	return len(m.Indices) / 3
}

// Validate проверяет, что меш пригоден для вокселизации
func (m *TriangleMesh) Validate() error {
	if m == nil || len(m.Indices) < 3 || len(m.Vertices) == 0 {
		return ErrEmptyMesh
	}
	if len(m.Indices)%3 != 0 {
		return fmt.Errorf("%w: длина %d не кратна 3", ErrInvalidIndices, len(m.Indices))
	}
	for _, idx := range m.Indices {
		if int(idx) >= len(m.Vertices) {
			return fmt.Errorf("%w: индекс %d при %d вершинах", ErrInvalidIndices, idx, len(m.Vertices))
		}
	}
	return nil
}

// Bounds возвращает границы вершин
func (m *TriangleMesh) Bounds() Bounds {
	if len(m.Vertices) == 0 {
		return Bounds{}
	}
	b := Bounds{Min: m.Vertices[0], Max: m.Vertices[0]}
	for _, v := range m.Vertices[1:] {
		for a := 0; a < 3; a++ {
			b.Min[a] = min(b.Min[a], v[a])
			b.Max[a] = max(b.Max[a], v[a])
		}
	}
	return b
}

type triangle struct {
	a, b, c mgl32.Vec3
	normal  mgl32.Vec3
}

func (m *TriangleMesh) triangles() []triangle {
	tris := make([]triangle, 0, m.TriangleCount())
	for i := 0; i+2 < len(m.Indices); i += 3 {
		a := m.Vertices[m.Indices[i]]
		b := m.Vertices[m.Indices[i+1]]
		c := m.Vertices[m.Indices[i+2]]
		n := b.Sub(a).Cross(c.Sub(a))
		if n.Len() < 1e-12 {
			continue // вырожденный треугольник
		}
		tris = append(tris, triangle{a: a, b: b, c: c, normal: n.Normalize()})
	}
	return tris
}

// closestPointOnTriangle - ближайшая точка треугольника (проекция
// по барицентрическим областям Вороного с отсечением)
func closestPointOnTriangle(p, a, b, c mgl32.Vec3) mgl32.Vec3 {
	ab := b.Sub(a)
	ac := c.Sub(a)
	ap := p.Sub(a)
	d1 := ab.Dot(ap)
	d2 := ac.Dot(ap)
	if d1 <= 0 && d2 <= 0 {
		return a
	}

	bp := p.Sub(b)
	d3 := ab.Dot(bp)
	d4 := ac.Dot(bp)
	if d3 >= 0 && d4 <= d3 {
		return b
	}

	vc := d1*d4 - d3*d2
	if vc <= 0 && d1 >= 0 && d3 <= 0 {
		v := d1 / (d1 - d3)
		return a.Add(ab.Mul(v))
	}

	cp := p.Sub(c)
	d5 := ab.Dot(cp)
	d6 := ac.Dot(cp)
	if d6 >= 0 && d5 <= d6 {
		return c
	}

	vb := d5*d2 - d1*d6
	if vb <= 0 && d2 >= 0 && d6 <= 0 {
		w := d2 / (d2 - d6)
		return a.Add(ac.Mul(w))
	}

	va := d3*d6 - d5*d4
	if va <= 0 && (d4-d3) >= 0 && (d5-d6) >= 0 {
		w := (d4 - d3) / ((d4 - d3) + (d5 - d6))
		return b.Add(c.Sub(b).Mul(w))
	}

	denom := 1 / (va + vb + vc)
	v := vb * denom
	w := vc * denom
	return a.Add(ab.Mul(v)).Add(ac.Mul(w))
}

// signedDistance ищет ближайший треугольник полным перебором.
// Знак берется по нормали ближайшего треугольника.
func signedDistance(p mgl32.Vec3, tris []triangle) float32 {
	best := float32(math.MaxFloat32)
	var closest mgl32.Vec3
	var normal mgl32.Vec3
	for i := range tris {
		t := &tris[i]
		q := closestPointOnTriangle(p, t.a, t.b, t.c)
		d := p.Sub(q)
		if dist := d.Dot(d); dist < best {
			best = dist
			closest = q
			normal = t.normal
		}
	}

	dist := float32(math.Sqrt(float64(best)))
	if p.Sub(closest).Dot(normal) < 0 {
		return -dist
	}
	return dist
}

// BuildFromMesh запускает расчет поля расстояний для меша в границах b.
// Данные поля можно читать только после готовности задания.
func BuildFromMesh(exec compute.Executor, mesh *TriangleMesh, res vec.Vec3, b Bounds) (*Field, *compute.Job, error) {
	if exec == nil {
		return nil, nil, compute.ErrNilExecutor
	}
	if err := mesh.Validate(); err != nil {
		return nil, nil, err
	}
	tris := mesh.triangles()
	if len(tris) == 0 {
		return nil, nil, ErrEmptyMesh
	}

	field := NewField(res, b)
	job := exec.Dispatch(field.Len(), func(i int) {
		field.Data[i] = signedDistance(field.PointAt(i), tris)
	})
	return field, job, nil
}

// Box строит замкнутый меш параллелепипеда с нормалями наружу
func Box(b Bounds) *TriangleMesh {
	lo, hi := b.Min, b.Max
	v := []mgl32.Vec3{
		{lo[0], lo[1], lo[2]}, {hi[0], lo[1], lo[2]}, {hi[0], hi[1], lo[2]}, {lo[0], hi[1], lo[2]},
		{lo[0], lo[1], hi[2]}, {hi[0], lo[1], hi[2]}, {hi[0], hi[1], hi[2]}, {lo[0], hi[1], hi[2]},
	}
	idx := []uint32{
		0, 2, 1, 0, 3, 2, // -Z
		4, 5, 6, 4, 6, 7, // +Z
		0, 1, 5, 0, 5, 4, // -Y
		3, 7, 6, 3, 6, 2, // +Y
		0, 4, 7, 0, 7, 3, // -X
		1, 2, 6, 1, 6, 5, // +X
	}
	return &TriangleMesh{Vertices: v, Indices: idx}
}
