package mesher

import (
	"testing"

	"github.com/annel0/voxelcarve/internal/compute"
	"github.com/annel0/voxelcarve/internal/sdf"
	"github.com/annel0/voxelcarve/internal/vec"
	"github.com/cespare/xxhash/v2"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fieldFrom(res vec.Vec3, b sdf.Bounds, fn func(p mgl32.Vec3) float32) *sdf.Field {
	f := sdf.NewField(res, b)
	for i := range f.Data {
		f.Data[i] = fn(f.PointAt(i))
	}
	return f
}

func sphereField(res int) *sdf.Field {
	b := sdf.Bounds{Min: mgl32.Vec3{-1, -1, -1}, Max: mgl32.Vec3{1, 1, 1}}
	return fieldFrom(vec.Splat(res), b, func(p mgl32.Vec3) float32 {
		return p.Len() - 0.63
	})
}

// noisyField - случайное поле с положительной границей и значениями,
// далекими от нуля
func noisyField(res int, seed uint64) *sdf.Field {
	f := sdf.NewField(vec.Splat(res), sdf.Bounds{Max: mgl32.Vec3{1, 1, 1}})
	var buf [16]byte
	for i := range f.Data {
		c := f.Coords(i)
		if c.X == 0 || c.Y == 0 || c.Z == 0 || c.X == res-1 || c.Y == res-1 || c.Z == res-1 {
			f.Data[i] = 1
			continue
		}
		for k := 0; k < 8; k++ {
			buf[k] = byte(uint64(i) >> (8 * k))
			buf[8+k] = byte(seed >> (8 * k))
		}
		h := xxhash.Sum64(buf[:])
		u := float32(h%1000) / 1000
		v := 0.1 + 0.9*u
		if h&(1<<40) != 0 {
			v = -v
		}
		f.Data[i] = v
	}
	return f
}

type edgeKey [2]mgl32.Vec3

// directedEdges считает направленные ребра треугольников
func directedEdges(m *Mesh) map[edgeKey]int {
	edges := make(map[edgeKey]int)
	for i := 0; i+2 < len(m.Indices); i += 3 {
		tri := [3]mgl32.Vec3{m.Vertices[m.Indices[i]], m.Vertices[m.Indices[i+1]], m.Vertices[m.Indices[i+2]]}
		for k := 0; k < 3; k++ {
			edges[edgeKey{tri[k], tri[(k+1)%3]}]++
		}
	}
	return edges
}

// assertClosed проверяет, что каждое ребро имеет парное ребро обратного
// направления: меш замкнут и ориентирован согласованно
func assertClosed(t *testing.T, m *Mesh) {
	t.Helper()
	edges := directedEdges(m)
	for e, n := range edges {
		back := edges[edgeKey{e[1], e[0]}]
		if !assert.Equal(t, n, back, "ребро %v без пары", e) {
			return
		}
	}
}

func TestTablesAreConsistent(t *testing.T) {
	assert.Empty(t, triTable[0])
	assert.Empty(t, triTable[255])
	assert.Len(t, triTable[1], 3, "один внутренний угол дает один треугольник")
	assert.Positive(t, maxCaseVertices)

	for mask := 0; mask < 256; mask++ {
		tris := triTable[mask]
		require.Zero(t, len(tris)%3, "случай %d", mask)
		for _, e := range tris {
			a, b := edgeCorners[e][0], edgeCorners[e][1]
			inA, inB := mask&(1<<a) != 0, mask&(1<<b) != 0
			assert.NotEqual(t, inA, inB, "случай %d использует ребро %d без пересечения", mask, e)
		}
	}
}

func TestSingleCornerNormalPointsOutward(t *testing.T) {
	f := sdf.NewField(vec.Splat(2), sdf.Bounds{Max: mgl32.Vec3{1, 1, 1}})
	f.Fill(1)
	f.Set(0, 0, 0, -1)

	mesh, err := New(compute.Inline{}).Generate(f, DefaultSettings())
	require.NoError(t, err)
	require.Equal(t, 3, mesh.VertexCount())

	n := mesh.Normals[0]
	assert.Positive(t, n[0])
	assert.Positive(t, n[1])
	assert.Positive(t, n[2])
}

func TestSphereIsClosedAndOutward(t *testing.T) {
	mesh, err := New(compute.NewPool(4, 64)).Generate(sphereField(12), DefaultSettings())
	require.NoError(t, err)
	require.False(t, mesh.Empty())
	assert.Zero(t, mesh.VertexCount()%3)
	assert.Equal(t, mesh.VertexCount(), len(mesh.Indices))
	assert.Equal(t, mesh.VertexCount(), len(mesh.Normals))

	for i, idx := range mesh.Indices {
		assert.Equal(t, uint32(i), idx)
	}
	assertClosed(t, mesh)

	outward := 0
	for i := 0; i < mesh.VertexCount(); i += 3 {
		centroid := mesh.Vertices[i].Add(mesh.Vertices[i+1]).Add(mesh.Vertices[i+2])
		if mesh.Normals[i].Dot(centroid) > 0 {
			outward++
		}
	}
	assert.Equal(t, mesh.TriangleCount(), outward, "все нормали сферы должны смотреть наружу")
}

func TestNoisyFieldIsClosed(t *testing.T) {
	for seed := uint64(1); seed <= 5; seed++ {
		mesh, err := New(compute.Inline{}).Generate(noisyField(9, seed), DefaultSettings())
		require.NoError(t, err)
		require.False(t, mesh.Empty())
		assertClosed(t, mesh)
	}
}

func TestDeterministic(t *testing.T) {
	field := noisyField(10, 42)

	a, err := New(compute.NewPool(3, 7)).Generate(field, DefaultSettings())
	require.NoError(t, err)
	b, err := New(compute.Inline{}).Generate(field, DefaultSettings())
	require.NoError(t, err)

	assert.Equal(t, a.Vertices, b.Vertices)
	assert.Equal(t, a.Normals, b.Normals)
	assert.Equal(t, a.Indices, b.Indices)
}

func TestEmptyFields(t *testing.T) {
	m := New(compute.Inline{})
	f := sdf.NewField(vec.Splat(5), sdf.Bounds{Max: mgl32.Vec3{1, 1, 1}})

	f.Fill(1)
	mesh, err := m.Generate(f, DefaultSettings())
	require.NoError(t, err)
	assert.True(t, mesh.Empty())

	f.Fill(-1)
	mesh, err = m.Generate(f, DefaultSettings())
	require.NoError(t, err)
	assert.True(t, mesh.Empty())
	assert.Zero(t, mesh.TriangleCount())
}

func TestSettingsTransform(t *testing.T) {
	field := sphereField(8)
	plain, err := New(compute.Inline{}).Generate(field, DefaultSettings())
	require.NoError(t, err)

	offset := mgl32.Vec3{10, -2, 3}
	moved, err := New(compute.Inline{}).Generate(field, Settings{Scale: 2, WorldSpaceOffset: offset})
	require.NoError(t, err)

	require.Equal(t, plain.VertexCount(), moved.VertexCount())
	for i := range plain.Vertices {
		want := plain.Vertices[i].Mul(2).Add(offset)
		got := moved.Vertices[i]
		assert.InDeltaSlice(t, want[:], got[:], 1e-5)
	}
}

func TestIsoLevelShrinksSurface(t *testing.T) {
	field := sphereField(16)
	m := New(compute.Inline{})

	outer, err := m.Generate(field, DefaultSettings())
	require.NoError(t, err)
	inner, err := m.Generate(field, Settings{Scale: 1, IsoLevel: -0.3})
	require.NoError(t, err)

	assert.InDelta(t, 0.63, outer.Vertices[0].Len(), 0.05)
	assert.InDelta(t, 0.33, inner.Vertices[0].Len(), 0.05)
}

func TestBuffersReused(t *testing.T) {
	m := New(compute.Inline{})
	field := sphereField(8)

	_, err := m.Generate(field, DefaultSettings())
	require.NoError(t, err)
	first := &m.positions[0]

	_, err = m.Generate(field, DefaultSettings())
	require.NoError(t, err)
	assert.Same(t, first, &m.positions[0], "буферы для тех же размеров не пересоздаются")

	_, err = m.Generate(sphereField(9), DefaultSettings())
	require.NoError(t, err)
	assert.Equal(t, vec.Splat(8), m.cubes)
}

func TestScanAcrossGroups(t *testing.T) {
	m := New(compute.Inline{})
	m.groupSize = 4
	m.ensureBuffers(vec.New(10, 1, 1))
	for i := range m.counts {
		m.counts[i] = uint32(i % 3)
	}

	total, err := m.scan(10)
	require.NoError(t, err)

	var want uint32
	for i := range m.counts {
		assert.Equal(t, want, m.offsets[i], "смещение %d", i)
		want += m.counts[i]
	}
	assert.Equal(t, int(want), total)
}
