// Package mesher извлекает треугольный меш из поля расстояний методом
// marching cubes в четыре параллельных прохода: подсчет, смещения
// (двухуровневый префиксный скан), генерация вершин и сборка.
package mesher

import (
	"fmt"

	"github.com/annel0/voxelcarve/internal/compute"
	"github.com/annel0/voxelcarve/internal/sdf"
	"github.com/annel0/voxelcarve/internal/vec"
	"github.com/go-gl/mathgl/mgl32"
)

// DefaultGroupSize - размер группы локального скана
const DefaultGroupSize = 256

// Settings - свободные параметры извлечения
type Settings struct {
	Scale            float32
	IsoLevel         float32
	WorldSpaceOffset mgl32.Vec3
}

// DefaultSettings возвращает масштаб 1, изоуровень 0 и нулевое смещение
func DefaultSettings() Settings {
	return Settings{Scale: 1}
}

// Mesh - результат извлечения. Треугольник i - вершины 3i, 3i+1, 3i+2;
// нормали плоские, по одной на вершину.
type Mesh struct {
	Vertices []mgl32.Vec3
	Normals  []mgl32.Vec3
	Indices  []uint32
}

// Empty сообщает, что поверхность не найдена
func (m *Mesh) Empty() bool {
	return m == nil || len(m.Vertices) == 0
}

// VertexCount возвращает число вершин
func (m *Mesh) VertexCount() int {
	if m == nil {
		return 0
	}
	return len(m.Vertices)
}

// TriangleCount возвращает число треугольников
func (m *Mesh) TriangleCount() int {
	if m == nil {
		return 0
	}
	return len(m.Indices) / 3
}

// Mesher хранит рабочие буферы между вызовами для одинаковых размеров сетки.
// Один экземпляр не предназначен для одновременного использования.
type Mesher struct {
	exec      compute.Executor
	groupSize int

	cubes     vec.Vec3
	counts    []uint32
	offsets   []uint32
	groupSums []uint32
	positions []mgl32.Vec3
}

// New создает мешер поверх вычислительного устройства
func New(exec compute.Executor) *Mesher {
	return &Mesher{exec: exec, groupSize: DefaultGroupSize}
}

// MaxVerticesPerCube возвращает наибольшее число вершин от одного куба
func MaxVerticesPerCube() int {
	return maxCaseVertices
}

func (m *Mesher) ensureBuffers(cubes vec.Vec3) {
	if cubes == m.cubes && m.counts != nil {
		return
	}
	n := cubes.Volume()
	groups := (n + m.groupSize - 1) / m.groupSize
	m.cubes = cubes
	m.counts = make([]uint32, n)
	m.offsets = make([]uint32, n)
	m.groupSums = make([]uint32, groups)
	m.positions = make([]mgl32.Vec3, n*maxCaseVertices)
}

// Generate извлекает изоповерхность поля. Пустой результат означает,
// что поверхности нет; это не ошибка.
func (m *Mesher) Generate(f *sdf.Field, s Settings) (*Mesh, error) {
	if m.exec == nil {
		return nil, compute.ErrNilExecutor
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("некорректное поле: %w", err)
	}

	cubes := f.Resolution.Sub(vec.Splat(1))
	m.ensureBuffers(cubes)
	n := cubes.Volume()
	rx, rxy := f.Resolution.X, f.Resolution.X*f.Resolution.Y

	// Смещения углов куба в плоском массиве поля
	var cornerOffset [8]int
	for c := 0; c < 8; c++ {
		cornerOffset[c] = (c & 1) + ((c>>1)&1)*rx + ((c>>2)&1)*rxy
	}

	base := func(ci int) int {
		x := ci % cubes.X
		y := (ci / cubes.X) % cubes.Y
		z := ci / (cubes.X * cubes.Y)
		return x + y*rx + z*rxy
	}
	caseOf := func(b int) int {
		mask := 0
		for c := 0; c < 8; c++ {
			if f.Data[b+cornerOffset[c]] < s.IsoLevel {
				mask |= 1 << c
			}
		}
		return mask
	}

	// 1. Подсчет вершин в каждом кубе
	if err := compute.Run(m.exec, n, func(ci int) {
		m.counts[ci] = uint32(len(triTable[caseOf(base(ci))]))
	}); err != nil {
		return nil, fmt.Errorf("проход подсчета: %w", err)
	}

	// 2. Смещения: локальный скан в группах, скан сумм групп, добавление базы
	total, err := m.scan(n)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return &Mesh{}, nil
	}

	// 3. Генерация вершин
	if err := compute.Run(m.exec, n, func(ci int) {
		if m.counts[ci] == 0 {
			return
		}
		b := base(ci)
		out := m.offsets[ci]
		for k, e := range triTable[caseOf(b)] {
			ia := b + cornerOffset[edgeCorners[e][0]]
			ib := b + cornerOffset[edgeCorners[e][1]]
			p := interpolate(f, ia, ib, s.IsoLevel)
			m.positions[int(out)+k] = p.Mul(s.Scale).Add(s.WorldSpaceOffset)
		}
	}); err != nil {
		return nil, fmt.Errorf("проход генерации: %w", err)
	}

	// 4. Сборка
	return assemble(m.positions[:total]), nil
}

// scan заполняет offsets исключающей префиксной суммой counts и возвращает итог
func (m *Mesher) scan(n int) (int, error) {
	g := m.groupSize
	groups := len(m.groupSums)

	if err := compute.Run(m.exec, groups, func(gi int) {
		start, end := gi*g, min((gi+1)*g, n)
		var sum uint32
		for i := start; i < end; i++ {
			m.offsets[i] = sum
			sum += m.counts[i]
		}
		m.groupSums[gi] = sum
	}); err != nil {
		return 0, fmt.Errorf("локальный скан: %w", err)
	}

	var running uint32
	for gi := 0; gi < groups; gi++ {
		sum := m.groupSums[gi]
		m.groupSums[gi] = running
		running += sum
	}

	if err := compute.Run(m.exec, n, func(i int) {
		m.offsets[i] += m.groupSums[i/g]
	}); err != nil {
		return 0, fmt.Errorf("добавление базы групп: %w", err)
	}
	return int(running), nil
}

// interpolate находит точку пересечения ребра с изоповерхностью.
// Концы упорядочены по глобальному индексу, поэтому соседние кубы
// получают побитово одинаковые вершины на общем ребре.
func interpolate(f *sdf.Field, ia, ib int, iso float32) mgl32.Vec3 {
	if ib < ia {
		ia, ib = ib, ia
	}
	va, vb := f.Data[ia], f.Data[ib]
	pa, pb := f.PointAt(ia), f.PointAt(ib)

	t := float32(0.5)
	if d := vb - va; d > 1e-6 || d < -1e-6 {
		t = (iso - va) / d
	}
	return pa.Add(pb.Sub(pa).Mul(t))
}

func assemble(positions []mgl32.Vec3) *Mesh {
	mesh := &Mesh{
		Vertices: make([]mgl32.Vec3, len(positions)),
		Normals:  make([]mgl32.Vec3, len(positions)),
		Indices:  make([]uint32, len(positions)),
	}
	copy(mesh.Vertices, positions)
	for i := range mesh.Indices {
		mesh.Indices[i] = uint32(i)
	}
	for i := 0; i+2 < len(positions); i += 3 {
		a, b, c := positions[i], positions[i+1], positions[i+2]
		n := b.Sub(a).Cross(c.Sub(a))
		if l := n.Len(); l > 0 {
			n = n.Mul(1 / l)
		}
		mesh.Normals[i], mesh.Normals[i+1], mesh.Normals[i+2] = n, n, n
	}
	return mesh
}
