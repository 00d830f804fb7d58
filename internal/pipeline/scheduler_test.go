package pipeline

import (
	"testing"
	"time"

	"github.com/annel0/voxelcarve/internal/compute"
	"github.com/annel0/voxelcarve/internal/mesher"
	"github.com/annel0/voxelcarve/internal/sdf"
	"github.com/annel0/voxelcarve/internal/vec"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	meshed   []ObjectID
	consumed []ObjectID
	failed   []ObjectID
}

func (r *recorder) OnMeshed(obj *Object, _ *mesher.Mesh) {
	r.meshed = append(r.meshed, obj.ID)
}

func (r *recorder) OnConsumed(obj *Object) {
	r.consumed = append(r.consumed, obj.ID)
}

func (r *recorder) OnFailed(obj *Object, _ error) {
	r.failed = append(r.failed, obj.ID)
}

func testOptions() Options {
	return Options{
		MaxSDFJobsPerTick: 2,
		MaxMeshesPerTick:  2,
		RemeshDelay:       100 * time.Millisecond,
		Limits:            sdf.ResolutionLimits{Min: 4, Max: 8, Budget: 512},
		BoundsPadding:     0.25,
		Settings:          mesher.DefaultSettings(),
	}
}

func cube() *sdf.TriangleMesh {
	return sdf.Box(sdf.Bounds{Min: mgl32.Vec3{-0.5, -0.5, -0.5}, Max: mgl32.Vec3{0.5, 0.5, 0.5}})
}

func newTestScheduler(t *testing.T, exec compute.Executor) (*Scheduler, *recorder) {
	t.Helper()
	rec := &recorder{}
	s, err := NewScheduler(testOptions(), exec, mesher.New(compute.Inline{}), rec, nil, nil)
	require.NoError(t, err)
	return s, rec
}

func TestNewSchedulerRequiresExecutor(t *testing.T) {
	_, err := NewScheduler(testOptions(), nil, mesher.New(compute.Inline{}), nil, nil, nil)
	assert.ErrorIs(t, err, compute.ErrNilExecutor)
}

func TestStateTransitions(t *testing.T) {
	exec := &compute.Deferred{}
	s, rec := newTestScheduler(t, exec)

	obj, err := s.Register(1, cube())
	require.NoError(t, err)
	assert.Equal(t, Queued, obj.State)

	s.Tick(16 * time.Millisecond)
	assert.Equal(t, CalculatingSDF, obj.State)
	assert.False(t, obj.ReadyForDamage())

	// Пока задание не готово, состояние не меняется
	s.Tick(16 * time.Millisecond)
	assert.Equal(t, CalculatingSDF, obj.State)

	exec.Release()
	st := s.Tick(16 * time.Millisecond)
	assert.Equal(t, 1, st.Calculated)
	assert.Equal(t, 1, st.Meshed)
	assert.Equal(t, Completed, obj.State)
	assert.True(t, obj.BuffersPrepared)
	assert.True(t, obj.ReadyForDamage())
	require.NotNil(t, obj.Original)
	assert.Equal(t, obj.Field.Data, obj.Original.Data)
	assert.NotSame(t, obj.Field, obj.Original)
	assert.Equal(t, []ObjectID{1}, rec.meshed)
}

func TestOriginalSnapshotTakenOnce(t *testing.T) {
	s, _ := newTestScheduler(t, compute.Inline{})
	obj, err := s.Register(1, cube())
	require.NoError(t, err)
	s.Tick(time.Millisecond)
	s.Tick(time.Millisecond)
	require.Equal(t, Completed, obj.State)

	original := obj.Original
	obj.Field.Data[0] = 42
	require.NoError(t, s.RequestRemeshImmediate(1))
	s.Tick(time.Millisecond)

	assert.Same(t, original, obj.Original)
	assert.NotEqual(t, float32(42), obj.Original.Data[0])

	require.NoError(t, s.Restore(1))
	assert.Equal(t, obj.Original.Data, obj.Field.Data)
}

func TestMissingMeshFails(t *testing.T) {
	s, rec := newTestScheduler(t, compute.Inline{})
	obj, err := s.Register(7, nil)
	require.NoError(t, err)

	st := s.Tick(time.Millisecond)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, Failed, obj.State)
	assert.ErrorIs(t, obj.Err, sdf.ErrEmptyMesh)
	assert.Equal(t, []ObjectID{7}, rec.failed)

	// Failed объект пропускается на следующих тиках
	st = s.Tick(time.Millisecond)
	assert.Zero(t, st.Failed)
	assert.ErrorIs(t, s.RequestRemesh(7), ErrNoField)
}

func TestSDFBudgetPerTick(t *testing.T) {
	exec := &compute.Deferred{}
	s, _ := newTestScheduler(t, exec)
	for id := ObjectID(1); id <= 5; id++ {
		_, err := s.Register(id, cube())
		require.NoError(t, err)
	}

	assert.Equal(t, 2, s.Tick(time.Millisecond).Started)
	assert.Equal(t, 2, exec.Pending())
	assert.Equal(t, 2, s.Tick(time.Millisecond).Started)
	assert.Equal(t, 1, s.Tick(time.Millisecond).Started)
	assert.Equal(t, 0, s.Tick(time.Millisecond).Started)
}

func TestMeshBudgetPerTick(t *testing.T) {
	s, rec := newTestScheduler(t, compute.Inline{})
	for id := ObjectID(1); id <= 3; id++ {
		field := sdf.NewField(vec.Splat(4), sdf.Bounds{Max: mgl32.Vec3{1, 1, 1}})
		field.Fill(1)
		field.Set(1, 1, 1, -1)
		_, err := s.Adopt(id, field)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, s.Tick(time.Millisecond).Meshed)
	assert.Equal(t, 1, s.Tick(time.Millisecond).Meshed)
	assert.Equal(t, []ObjectID{1, 2, 3}, rec.meshed)
}

func TestRemeshDebounce(t *testing.T) {
	s, rec := newTestScheduler(t, compute.Inline{})
	field := sdf.NewField(vec.Splat(4), sdf.Bounds{Max: mgl32.Vec3{1, 1, 1}})
	field.Fill(1)
	field.Set(1, 1, 1, -1)
	_, err := s.Adopt(1, field)
	require.NoError(t, err)
	s.Tick(time.Millisecond)
	require.Len(t, rec.meshed, 1)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RequestRemesh(1))
		s.Tick(10 * time.Millisecond)
	}
	assert.Len(t, rec.meshed, 1, "перестроение еще не должно произойти")

	s.Tick(60 * time.Millisecond)
	assert.Len(t, rec.meshed, 2, "запросы схлопываются в одно перестроение")

	s.Tick(200 * time.Millisecond)
	assert.Len(t, rec.meshed, 2)
}

func TestImmediateRemeshBypassesDelay(t *testing.T) {
	s, rec := newTestScheduler(t, compute.Inline{})
	field := sdf.NewField(vec.Splat(4), sdf.Bounds{Max: mgl32.Vec3{1, 1, 1}})
	field.Fill(1)
	field.Set(1, 1, 1, -1)
	_, err := s.Adopt(1, field)
	require.NoError(t, err)
	s.Tick(time.Millisecond)

	require.NoError(t, s.RequestRemesh(1))
	require.NoError(t, s.RequestRemeshImmediate(1))
	s.Tick(time.Millisecond)
	assert.Len(t, rec.meshed, 2)

	// Отложенный запрос отменен немедленным
	s.Tick(time.Second)
	assert.Len(t, rec.meshed, 2)
}

func TestEmptyMeshConsumesObject(t *testing.T) {
	s, rec := newTestScheduler(t, compute.Inline{})
	field := sdf.NewField(vec.Splat(4), sdf.Bounds{Max: mgl32.Vec3{1, 1, 1}})
	field.Fill(1)
	_, err := s.Adopt(3, field)
	require.NoError(t, err)

	st := s.Tick(time.Millisecond)
	assert.Equal(t, 1, st.Consumed)
	assert.Equal(t, []ObjectID{3}, rec.consumed)
	_, ok := s.Get(3)
	assert.False(t, ok)
	assert.Zero(t, s.Len())
}

func TestLockedObjectIsSkipped(t *testing.T) {
	s, rec := newTestScheduler(t, compute.Inline{})
	field := sdf.NewField(vec.Splat(4), sdf.Bounds{Max: mgl32.Vec3{1, 1, 1}})
	field.Fill(1)
	field.Set(1, 1, 1, -1)
	_, err := s.Adopt(1, field)
	require.NoError(t, err)

	require.True(t, s.Lock(1))
	assert.False(t, s.Lock(1), "повторная блокировка невозможна")
	s.Tick(time.Millisecond)
	assert.Empty(t, rec.meshed)

	s.Unlock(1)
	s.Tick(time.Millisecond)
	assert.Equal(t, []ObjectID{1}, rec.meshed)
}

func TestRemoveDrainsInFlightJob(t *testing.T) {
	exec := &compute.Deferred{}
	s, rec := newTestScheduler(t, exec)
	obj, err := s.Register(1, cube())
	require.NoError(t, err)
	s.Tick(time.Millisecond)
	require.Equal(t, CalculatingSDF, obj.State)

	assert.True(t, s.Remove(1))
	assert.Nil(t, obj.Field)
	assert.Equal(t, 1, s.Draining())

	s.Tick(time.Millisecond)
	assert.Equal(t, 1, s.Draining(), "расчет не отменяется досрочно")

	exec.Release()
	s.Tick(time.Millisecond)
	assert.Zero(t, s.Draining())
	assert.Empty(t, rec.meshed)
	assert.False(t, s.Remove(1))
}

func TestDuplicateRegistration(t *testing.T) {
	s, _ := newTestScheduler(t, compute.Inline{})
	_, err := s.Register(1, cube())
	require.NoError(t, err)
	_, err = s.Register(1, cube())
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.ErrorIs(t, s.RequestRemesh(99), ErrUnknownObject)
}
