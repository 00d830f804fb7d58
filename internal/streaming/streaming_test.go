package streaming

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/annel0/voxelcarve/internal/compute"
	"github.com/annel0/voxelcarve/internal/mesher"
	"github.com/annel0/voxelcarve/internal/metrics"
	"github.com/annel0/voxelcarve/internal/sdf"
	"github.com/annel0/voxelcarve/internal/storage"
	"github.com/annel0/voxelcarve/internal/vec"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Генераторы для тестов

type solidWorld struct{}

func (solidWorld) Sample(mgl32.Vec3) float32       { return -1 }
func (solidWorld) SurfaceDepth(mgl32.Vec3) float64 { return 1000 }

type airWorld struct{}

func (airWorld) Sample(mgl32.Vec3) float32       { return 1 }
func (airWorld) SurfaceDepth(mgl32.Vec3) float64 { return -1000 }

// Полосы вдоль X: в каждом чанке есть и порода, и пустота
type stripedWorld struct{}

func (stripedWorld) Sample(p mgl32.Vec3) float32 {
	x := float64(p[0])
	return float32(x-4*math.Floor(x/4)) - 1.5
}
func (stripedWorld) SurfaceDepth(mgl32.Vec3) float64 { return 1000 }

// Плоская поверхность на высоте 2
type flatWorld struct{}

func (flatWorld) Sample(p mgl32.Vec3) float32       { return p[1] - 2 }
func (flatWorld) SurfaceDepth(p mgl32.Vec3) float64 { return 2 - float64(p[1]) }

// Генератор, который падает, пока выставлен broken
type brokenWorld struct {
	flatWorld
	broken *bool
}

func (w brokenWorld) Sample(p mgl32.Vec3) float32 {
	if *w.broken {
		panic("генератор недоступен")
	}
	return w.flatWorld.Sample(p)
}

type recordingSink struct {
	loads   []vec.Vec3
	unloads []vec.Vec3
	fields  map[vec.Vec3]*sdf.Field
}

func newRecordingSink() *recordingSink {
	return &recordingSink{fields: make(map[vec.Vec3]*sdf.Field)}
}

func (s *recordingSink) LoadChunk(_ string, coord vec.Vec3, field *sdf.Field) {
	s.loads = append(s.loads, coord)
	s.fields[coord] = field
}

func (s *recordingSink) UnloadChunk(_ string, coord vec.Vec3) {
	s.unloads = append(s.unloads, coord)
}

type failingStore struct{}

var errDiskDown = errors.New("диск недоступен")

func (failingStore) Load(vec.Vec3) ([]float32, error) { return nil, errDiskDown }
func (failingStore) Save(vec.Vec3, []float32) error   { return errDiskDown }
func (failingStore) Close() error                     { return nil }

var testLayout = Layout{Size: 4, Resolution: 5}

func baseOptions() Options {
	return Options{
		Layout:                  testLayout,
		UpdateInterval:          100 * time.Millisecond,
		UndergroundThreshold:    0,
		UndergroundLoadDistance: 1,
		MinChunkY:               -10,
		MaxChunkY:               10,
	}
}

func newController(t *testing.T, opts Options, gen Generator, store storage.ChunkStore, sink Sink) *Controller {
	t.Helper()
	c, err := NewController(opts, gen, compute.Inline{}, store, sink, nil, nil)
	require.NoError(t, err)
	return c
}

func TestLayoutChunkOf(t *testing.T) {
	assert.Equal(t, vec.New(0, 0, 0), testLayout.ChunkOf(mgl32.Vec3{0, 3.9, 0}))
	assert.Equal(t, vec.New(-1, 1, 2), testLayout.ChunkOf(mgl32.Vec3{-0.1, 4, 8}))

	f := testLayout.NewField(vec.New(1, -1, 0))
	assert.Equal(t, vec.Splat(5), f.Resolution)
	assert.Equal(t, mgl32.Vec3{4, -4, 0}, f.Point(0, 0, 0))
	assert.Equal(t, mgl32.Vec3{8, 0, 4}, f.Point(4, 4, 4))
}

func TestNewControllerValidation(t *testing.T) {
	_, err := NewController(baseOptions(), airWorld{}, nil, nil, nil, nil, nil)
	assert.ErrorIs(t, err, compute.ErrNilExecutor)

	opts := baseOptions()
	opts.MinChunkY, opts.MaxChunkY = 3, 1
	_, err = NewController(opts, airWorld{}, compute.Inline{}, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestFloodFillStopsAtTrivialChunks(t *testing.T) {
	for _, distance := range []int{1, 4} {
		opts := baseOptions()
		opts.UndergroundLoadDistance = distance
		c := newController(t, opts, solidWorld{}, nil, nil)

		start := vec.New(0, -2, 0)
		visited := c.FloodFill(start)

		// Соседи старта сплошные, дальше обход не идет
		assert.Len(t, visited, 7, "distance=%d", distance)
		for coord, d := range visited {
			assert.LessOrEqual(t, coord.ManhattanTo(start), distance)
			assert.LessOrEqual(t, d, 1)
		}
	}
}

func TestFloodFillBoundedByDistance(t *testing.T) {
	opts := baseOptions()
	opts.UndergroundLoadDistance = 2
	c := newController(t, opts, stripedWorld{}, nil, nil)

	start := vec.New(-1, 0, 3)
	visited := c.FloodFill(start)
	assert.Len(t, visited, 25)
	for coord, d := range visited {
		assert.Equal(t, coord.ManhattanTo(start), d)
		assert.LessOrEqual(t, d, 2)
	}
}

func TestFloodFillRespectsDepthBand(t *testing.T) {
	opts := baseOptions()
	opts.UndergroundLoadDistance = 2
	opts.MinChunkY, opts.MaxChunkY = 0, 0
	c := newController(t, opts, stripedWorld{}, nil, nil)

	visited := c.FloodFill(vec.New(0, 0, 0))
	assert.Len(t, visited, 13)
	for coord := range visited {
		assert.Zero(t, coord.Y)
	}
	assert.Empty(t, c.FloodFill(vec.New(0, 5, 0)))
}

func TestRequiredCarpet(t *testing.T) {
	opts := baseOptions()
	opts.CarpetRadius, opts.CarpetAbove, opts.CarpetBelow = 1, 1, 1
	c := newController(t, opts, airWorld{}, nil, nil)

	assert.Len(t, c.Required(mgl32.Vec3{2, 2, 2}), 27)

	opts.MinChunkY = 0
	c = newController(t, opts, airWorld{}, nil, nil)
	required := c.Required(mgl32.Vec3{2, 2, 2})
	assert.Len(t, required, 18)
	assert.NotContains(t, required, vec.New(0, -1, 0))
}

func TestRequiredAddsUndergroundFill(t *testing.T) {
	opts := baseOptions()
	opts.UndergroundLoadDistance = 2
	c := newController(t, opts, stripedWorld{}, nil, nil)

	// Ковер из одного чанка плюс заливка на два шага
	assert.Len(t, c.Required(mgl32.Vec3{1, 1, 1}), 25)

	c = newController(t, opts, airWorld{}, nil, nil)
	assert.Len(t, c.Required(mgl32.Vec3{1, 1, 1}), 1)
}

func TestUpdateSendsDeltas(t *testing.T) {
	opts := baseOptions()
	opts.CarpetRadius = 1
	sink := newRecordingSink()
	c := newController(t, opts, airWorld{}, nil, sink)
	require.NoError(t, c.AddObserver("alice", mgl32.Vec3{2, 2, 2}))
	assert.ErrorIs(t, c.AddObserver("alice", mgl32.Vec3{}), ErrObserverExists)

	assert.False(t, c.Tick(50*time.Millisecond))
	assert.True(t, c.Tick(60*time.Millisecond))
	assert.Len(t, sink.loads, 9)
	assert.Len(t, c.Loaded("alice"), 9)

	// Поле отправляется копией
	ch, ok := c.Chunk(vec.New(0, 0, 0))
	require.True(t, ok)
	assert.NotSame(t, ch.Field, sink.fields[vec.New(0, 0, 0)])
	assert.Equal(t, ch.Field.Data, sink.fields[vec.New(0, 0, 0)].Data)

	require.NoError(t, c.MoveObserver("alice", mgl32.Vec3{6, 2, 2}))
	assert.False(t, c.Tick(10*time.Millisecond))
	assert.True(t, c.Tick(100*time.Millisecond))
	assert.Len(t, sink.loads, 12)
	assert.ElementsMatch(t, []vec.Vec3{vec.New(-1, 0, -1), vec.New(-1, 0, 0), vec.New(-1, 0, 1)}, sink.unloads)

	require.NoError(t, c.RemoveObserver("alice"))
	assert.Len(t, sink.unloads, 12)
	assert.ErrorIs(t, c.MoveObserver("alice", mgl32.Vec3{}), ErrUnknownObserver)
	assert.Nil(t, c.Loaded("alice"))
}

func TestAcquirePrefersStore(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	stored := make([]float32, 125)
	for i := range stored {
		stored[i] = -7
	}
	require.NoError(t, store.Save(vec.New(0, 0, 0), stored))
	require.NoError(t, store.Save(vec.New(1, 0, 0), []float32{1, 2, 3}))

	c := newController(t, baseOptions(), airWorld{}, store, nil)

	ch := c.acquire(vec.New(0, 0, 0))
	assert.Equal(t, SourceStore, ch.Source)
	assert.False(t, ch.Dirty)
	assert.Equal(t, float32(-7), ch.Field.At(2, 2, 2))

	// Запись неверного размера - промах, чанк генерируется
	ch = c.acquire(vec.New(1, 0, 0))
	assert.Equal(t, SourceGenerated, ch.Source)
	assert.Equal(t, float32(1), ch.Field.At(2, 2, 2))
}

func TestStoreErrorsFallBackToGeneration(t *testing.T) {
	c := newController(t, baseOptions(), airWorld{}, failingStore{}, nil)
	ch := c.acquire(vec.New(0, 0, 0))
	assert.Equal(t, SourceGenerated, ch.Source)

	saved, failed := c.Flush()
	assert.Zero(t, saved)
	assert.Equal(t, 1, failed)
	assert.True(t, ch.Dirty, "чанк остается грязным после ошибки записи")
}

func TestBedrockPatch(t *testing.T) {
	opts := baseOptions()
	opts.MinChunkY = 0
	opts.BedrockLayers = 2
	c := newController(t, opts, airWorld{}, nil, nil)

	floor := c.acquire(vec.New(0, 0, 0))
	for z := 0; z < 5; z++ {
		for x := 0; x < 5; x++ {
			assert.Equal(t, BedrockValue, floor.Field.At(x, 0, z))
			assert.Equal(t, BedrockValue, floor.Field.At(x, 1, z))
			assert.Equal(t, float32(1), floor.Field.At(x, 2, z))
		}
	}

	above := c.acquire(vec.New(0, 1, 0))
	assert.Equal(t, float32(1), above.Field.At(2, 0, 2))
}

func TestStitchTakesMaximum(t *testing.T) {
	c := newController(t, baseOptions(), flatWorld{}, nil, nil)

	a := c.acquire(vec.New(0, 0, 0))
	a.Field.Set(4, 1, 1, 5)

	b := c.acquire(vec.New(1, 0, 0))
	assert.Equal(t, float32(5), b.Field.At(0, 1, 1))
	for y := 0; y < 5; y++ {
		for z := 0; z < 5; z++ {
			assert.Equal(t, a.Field.At(4, y, z), b.Field.At(0, y, z))
		}
	}

	a.Dirty = false
	b.Field.Set(0, 2, 2, 7)
	touched := c.stitch(b)
	assert.Equal(t, []vec.Vec3{vec.New(0, 0, 0)}, touched)
	assert.True(t, a.Dirty)
	assert.Equal(t, float32(7), a.Field.At(4, 2, 2))
}

func TestCarveTerrainAcrossBorder(t *testing.T) {
	opts := baseOptions()
	opts.CarpetRadius = 1
	sink := newRecordingSink()
	c := newController(t, opts, flatWorld{}, nil, sink)
	require.NoError(t, c.AddObserver("bob", mgl32.Vec3{2, 2, 2}))
	c.Update()
	require.Len(t, sink.loads, 9)

	a, _ := c.Chunk(vec.New(0, 0, 0))
	b, _ := c.Chunk(vec.New(1, 0, 0))
	beforeA := a.Field.Clone()
	a.Dirty, b.Dirty = false, false

	changed := c.CarveTerrain(mgl32.Vec3{4, 2, 2}, 1.5, 3)
	assert.Equal(t, []vec.Vec3{vec.New(0, 0, 0), vec.New(1, 0, 0)}, changed)
	assert.True(t, a.Dirty)
	assert.True(t, b.Dirty)
	assert.Len(t, sink.loads, 11, "измененные чанки отправлены повторно")

	assert.Equal(t, float32(3), a.Field.At(4, 2, 2))
	for i := range a.Field.Data {
		assert.GreaterOrEqual(t, a.Field.Data[i], beforeA.Data[i])
	}
	for y := 0; y < 5; y++ {
		for z := 0; z < 5; z++ {
			assert.Equal(t, a.Field.At(4, y, z), b.Field.At(0, y, z))
		}
	}
	assert.Equal(t, float32(3), sink.fields[vec.New(1, 0, 0)].At(0, 2, 2))

	assert.Empty(t, c.CarveTerrain(mgl32.Vec3{2, 100, 2}, 1, 3), "вне диапазона слоев ничего не меняется")
}

func TestFlushAndReload(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	opts := baseOptions()
	opts.UndergroundThreshold = 100
	c := newController(t, opts, flatWorld{}, store, nil)
	require.NoError(t, c.AddObserver("carol", mgl32.Vec3{1, 1, 1}))
	c.Update()
	require.Equal(t, 1, c.CachedCount())

	saved, failed := c.Flush()
	assert.Equal(t, 1, saved)
	assert.Zero(t, failed)
	saved, _ = c.Flush()
	assert.Zero(t, saved)

	c.CarveTerrain(mgl32.Vec3{2, 2, 2}, 1, 4)
	saved, _ = c.Flush()
	assert.Equal(t, 1, saved)

	reloaded := newController(t, baseOptions(), flatWorld{}, store, nil)
	ch := reloaded.acquire(vec.New(0, 0, 0))
	assert.Equal(t, SourceStore, ch.Source)
	assert.Equal(t, float32(4), ch.Field.At(2, 2, 2))
}

func TestFailedGenerationIsRetried(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	opts := baseOptions()
	opts.UndergroundThreshold = 100
	broken := true
	sink := newRecordingSink()
	c := newController(t, opts, brokenWorld{broken: &broken}, store, sink)
	require.NoError(t, c.AddObserver("erin", mgl32.Vec3{1, 1, 1}))

	c.Update()
	assert.Zero(t, c.CachedCount(), "недогенерированное поле не кешируется")
	assert.Empty(t, c.Loaded("erin"))
	assert.Empty(t, sink.loads)
	saved, failed := c.Flush()
	assert.Zero(t, saved)
	assert.Zero(t, failed)
	assert.Empty(t, c.CarveTerrain(mgl32.Vec3{2, 2, 2}, 1, 4))

	broken = false
	c.Update()
	assert.Equal(t, 1, c.CachedCount())
	assert.Equal(t, []vec.Vec3{vec.New(0, 0, 0)}, c.Loaded("erin"))
	assert.Equal(t, []vec.Vec3{vec.New(0, 0, 0)}, sink.loads)
	saved, _ = c.Flush()
	assert.Equal(t, 1, saved)
}

func flatField(coord vec.Vec3) *sdf.Field {
	f := testLayout.NewField(coord)
	for i := range f.Data {
		f.Data[i] = f.PointAt(i)[1] - 2
	}
	return f
}

func TestViewReusesMeshByChecksum(t *testing.T) {
	v := NewView(mesher.New(compute.Inline{}), mesher.DefaultSettings(), 2, nil, nil)
	a := vec.New(0, 0, 0)

	mesh, err := v.BuildChunk(a, flatField(a))
	require.NoError(t, err)
	assert.False(t, mesh.Empty())

	again, err := v.BuildChunk(a, flatField(a))
	require.NoError(t, err)
	assert.Same(t, mesh, again)
	assert.Equal(t, 1, v.Built())

	changed := flatField(a)
	changed.Set(2, 2, 2, 3)
	_, err = v.BuildChunk(a, changed)
	require.NoError(t, err)
	assert.Equal(t, 2, v.Built())
}

// metricValue достает значение счетчика или датчика из реестра
func metricValue(t *testing.T, mt *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := mt.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		m := f.GetMetric()[0]
		if m.GetCounter() != nil {
			return m.GetCounter().GetValue()
		}
		return m.GetGauge().GetValue()
	}
	return 0
}

func TestViewRecencyCacheEvictsOldest(t *testing.T) {
	mt := metrics.New()
	v := NewView(mesher.New(compute.Inline{}), mesher.DefaultSettings(), 2, nil, mt)
	coords := []vec.Vec3{vec.New(0, 0, 0), vec.New(1, 0, 0), vec.New(2, 0, 0)}
	for _, c := range coords {
		_, err := v.BuildChunk(c, flatField(c))
		require.NoError(t, err)
	}
	for _, c := range coords {
		v.ReleaseChunk(c)
	}

	assert.Zero(t, v.ActiveCount())
	assert.Equal(t, 2, v.CachedCount())
	assert.False(t, v.Cached(coords[0]), "самый старый вытеснен")
	assert.True(t, v.Cached(coords[1]))
	assert.True(t, v.Cached(coords[2]))
	assert.Equal(t, 1.0, metricValue(t, mt, "voxel_streaming_recency_evicted_total"))
	assert.Equal(t, 2.0, metricValue(t, mt, "voxel_streaming_recency_cached_chunks"))

	// Возврат из кеша без перестроения
	_, err := v.BuildChunk(coords[1], flatField(coords[1]))
	require.NoError(t, err)
	assert.Equal(t, 3, v.Built())
	assert.False(t, v.Cached(coords[1]))
	assert.Equal(t, 1.0, metricValue(t, mt, "voxel_streaming_recency_cached_chunks"))
	assert.Equal(t, 1.0, metricValue(t, mt, "voxel_streaming_recency_evicted_total"), "возврат не считается вытеснением")
	_, ok := v.Mesh(coords[1])
	assert.True(t, ok)

	// Повторный выпуск неизвестного чанка ничего не делает
	v.ReleaseChunk(vec.New(9, 9, 9))
	assert.Equal(t, 1, v.CachedCount())
}

func TestViewWithoutRecencyCache(t *testing.T) {
	v := NewView(mesher.New(compute.Inline{}), mesher.DefaultSettings(), 0, nil, nil)
	a := vec.New(0, 0, 0)
	_, err := v.BuildChunk(a, flatField(a))
	require.NoError(t, err)

	v.ReleaseChunk(a)
	assert.Zero(t, v.ActiveCount())
	assert.Zero(t, v.CachedCount())
	assert.False(t, v.Cached(a))

	_, err = v.BuildChunk(a, flatField(a))
	require.NoError(t, err)
	assert.Equal(t, 2, v.Built())
}

func TestLocalSinkBuildsObserverViews(t *testing.T) {
	opts := baseOptions()
	opts.CarpetRadius = 1
	opts.CarpetBelow = 1
	sink := NewLocalSink(func(string) *View {
		return NewView(mesher.New(compute.Inline{}), mesher.DefaultSettings(), 4, nil, nil)
	}, nil)
	c := newController(t, opts, flatWorld{}, nil, sink)
	require.NoError(t, c.AddObserver("dave", mgl32.Vec3{2, 2, 2}))
	c.Update()

	view, ok := sink.View("dave")
	require.True(t, ok)
	assert.Equal(t, 18, view.ActiveCount())
	assert.Equal(t, []string{"dave"}, sink.Observers())

	surface, ok := view.Mesh(vec.New(0, 0, 0))
	require.True(t, ok)
	assert.False(t, surface.Empty())
	below, ok := view.Mesh(vec.New(0, -1, 0))
	require.True(t, ok)
	assert.True(t, below.Empty(), "сплошной чанк не имеет поверхности")

	require.NoError(t, c.MoveObserver("dave", mgl32.Vec3{2, 2, 20}))
	c.Update()
	assert.Equal(t, 18, view.ActiveCount())
	assert.Equal(t, 4, view.CachedCount())
}
