// Package damage вырезает материал из полей расстояний и делит поле
// на связные компоненты, превращая оторвавшиеся части во фрагменты.
package damage

import (
	"math"
	"sort"

	"github.com/annel0/voxelcarve/internal/sdf"
	"github.com/annel0/voxelcarve/internal/vec"
	"github.com/go-gl/mathgl/mgl32"
)

// RemeshOnly - значение силы, означающее "только перестроить меш"
const RemeshOnly float32 = -1

// ApplyDamage поднимает значения в сфере radius вокруг center до
// (1 - d/radius) * strength. Значения никогда не уменьшаются: материал
// только удаляется. Обходится лишь ограничивающий куб сферы.
// Возвращает true, если изменился хотя бы один отсчет.
func ApplyDamage(f *sdf.Field, center mgl32.Vec3, radius, strength float32) bool {
	if strength == RemeshOnly || radius <= 0 {
		return false
	}

	r := mgl32.Vec3{radius, radius, radius}
	lo := gridFloor(f.ToGrid(center.Sub(r))).Max(vec.Vec3{})
	hi := gridCeil(f.ToGrid(center.Add(r))).Min(f.Resolution.Sub(vec.Splat(1)))

	changed := false
	for z := lo.Z; z <= hi.Z; z++ {
		for y := lo.Y; y <= hi.Y; y++ {
			for x := lo.X; x <= hi.X; x++ {
				d := f.Point(x, y, z).Sub(center).Len()
				if d > radius {
					continue
				}
				value := (1 - d/radius) * strength
				i := f.Index(x, y, z)
				if value > f.Data[i] {
					f.Data[i] = value
					changed = true
				}
			}
		}
	}
	return changed
}

func gridFloor(g mgl32.Vec3) vec.Vec3 {
	return vec.New(int(math.Floor(float64(g[0]))), int(math.Floor(float64(g[1]))), int(math.Floor(float64(g[2]))))
}

func gridCeil(g mgl32.Vec3) vec.Vec3 {
	return vec.New(int(math.Ceil(float64(g[0]))), int(math.Ceil(float64(g[1]))), int(math.Ceil(float64(g[2]))))
}

// Component - связное множество твердых отсчетов и его границы в сетке
type Component struct {
	Indices []int
	Min     vec.Vec3
	Max     vec.Vec3
}

// Size возвращает число отсчетов
func (c *Component) Size() int {
	return len(c.Indices)
}

// Centroid возвращает среднюю локальную позицию отсчетов
func (c *Component) Centroid(f *sdf.Field) mgl32.Vec3 {
	var sum [3]float64
	for _, i := range c.Indices {
		p := f.PointAt(i)
		sum[0] += float64(p[0])
		sum[1] += float64(p[1])
		sum[2] += float64(p[2])
	}
	n := float64(len(c.Indices))
	if n == 0 {
		return mgl32.Vec3{}
	}
	return mgl32.Vec3{float32(sum[0] / n), float32(sum[1] / n), float32(sum[2] / n)}
}

// FindComponents находит компоненты 6-связности среди отсчетов < 0.
// Компоненты отсортированы по убыванию размера; при равенстве сохраняется
// порядок обнаружения (по возрастанию наименьшего индекса).
func FindComponents(f *sdf.Field) []Component {
	visited := make([]bool, f.Len())
	var components []Component
	var queue []int

	for start, v := range f.Data {
		if v >= 0 || visited[start] {
			continue
		}

		c0 := f.Coords(start)
		comp := Component{Min: c0, Max: c0}
		visited[start] = true
		queue = append(queue[:0], start)

		for len(queue) > 0 {
			i := queue[0]
			queue = queue[1:]
			comp.Indices = append(comp.Indices, i)

			c := f.Coords(i)
			comp.Min = comp.Min.Min(c)
			comp.Max = comp.Max.Max(c)

			for _, d := range vec.Neighbors6 {
				n := c.Add(d)
				if !f.InRange(n) {
					continue
				}
				ni := f.Index(n.X, n.Y, n.Z)
				if visited[ni] || f.Data[ni] >= 0 {
					continue
				}
				visited[ni] = true
				queue = append(queue, ni)
			}
		}
		components = append(components, comp)
	}

	sort.SliceStable(components, func(i, j int) bool {
		return components[i].Size() > components[j].Size()
	})
	return components
}
