package pipeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/annel0/voxelcarve/internal/compute"
	"github.com/annel0/voxelcarve/internal/logging"
	"github.com/annel0/voxelcarve/internal/mesher"
	"github.com/annel0/voxelcarve/internal/metrics"
	"github.com/annel0/voxelcarve/internal/sdf"
)

// Options - бюджеты и параметры конвейера
type Options struct {
	MaxSDFJobsPerTick int
	MaxMeshesPerTick  int
	RemeshDelay       time.Duration
	Limits            sdf.ResolutionLimits
	BoundsPadding     float32
	Settings          mesher.Settings
}

// TickStats - что произошло за один тик
type TickStats struct {
	Promoted   int
	Calculated int
	Started    int
	Meshed     int
	Consumed   int
	Failed     int
}

// Scheduler - планировщик конвейера. Все методы вызываются из одного
// управляющего потока; параллельны только задания на вычислителе.
type Scheduler struct {
	opts     Options
	exec     compute.Executor
	mesher   *mesher.Mesher
	listener Listener
	logger   *logging.Logger
	metrics  *metrics.Metrics

	now         time.Duration
	objects     map[ObjectID]*Object
	queued      []ObjectID
	calculating []ObjectID
	ready       []ObjectID
	pending     map[ObjectID]time.Duration
	draining    []*compute.Job
}

// NewScheduler создает планировщик. exec выполняет расчеты SDF, m извлекает меши.
func NewScheduler(opts Options, exec compute.Executor, m *mesher.Mesher, l Listener,
	logger *logging.Logger, mt *metrics.Metrics) (*Scheduler, error) {
	if exec == nil || m == nil {
		return nil, compute.ErrNilExecutor
	}
	if opts.MaxSDFJobsPerTick <= 0 || opts.MaxMeshesPerTick <= 0 {
		return nil, fmt.Errorf("бюджеты на тик должны быть положительными: sdf=%d mesh=%d",
			opts.MaxSDFJobsPerTick, opts.MaxMeshesPerTick)
	}
	if l == nil {
		l = ListenerFuncs{}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Scheduler{
		opts:     opts,
		exec:     exec,
		mesher:   m,
		listener: l,
		logger:   logger,
		metrics:  mt,
		objects:  make(map[ObjectID]*Object),
		pending:  make(map[ObjectID]time.Duration),
	}, nil
}

// Now возвращает накопленное время тиков
func (s *Scheduler) Now() time.Duration {
	return s.now
}

// Get возвращает объект по идентификатору
func (s *Scheduler) Get(id ObjectID) (*Object, bool) {
	obj, ok := s.objects[id]
	return obj, ok
}

// Len возвращает число отслеживаемых объектов
func (s *Scheduler) Len() int {
	return len(s.objects)
}

// Register ставит объект в очередь на вокселизацию исходного меша.
// Меш проверяется при запуске расчета; отсутствие геометрии переводит
// объект в Failed.
func (s *Scheduler) Register(id ObjectID, source *sdf.TriangleMesh) (*Object, error) {
	if _, exists := s.objects[id]; exists {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyRegistered, id)
	}
	obj := &Object{ID: id, State: Queued, source: source}
	s.objects[id] = obj
	s.queued = append(s.queued, id)
	s.metrics.SetObjectsTracked(len(s.objects))
	return obj, nil
}

// Adopt принимает готовое поле (например, фрагмент) сразу в GeneratingMesh
func (s *Scheduler) Adopt(id ObjectID, field *sdf.Field) (*Object, error) {
	if _, exists := s.objects[id]; exists {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyRegistered, id)
	}
	if field == nil {
		return nil, ErrNoField
	}
	obj := &Object{
		ID:         id,
		State:      GeneratingMesh,
		Resolution: field.Resolution,
		Bounds:     field.Bounds(),
		Field:      field,
	}
	s.objects[id] = obj
	s.enqueueReady(obj)
	s.metrics.SetObjectsTracked(len(s.objects))
	return obj, nil
}

// RequestRemesh планирует перестроение меша через RemeshDelay.
// Повторные запросы в пределах окна схлопываются в один.
func (s *Scheduler) RequestRemesh(id ObjectID) error {
	obj, err := s.remeshable(id)
	if err != nil {
		return err
	}
	if obj.inReady {
		return nil
	}
	if _, scheduled := s.pending[id]; !scheduled {
		s.pending[id] = s.now + s.opts.RemeshDelay
	}
	return nil
}

// RequestRemeshImmediate ставит объект в очередь на меш без задержки
func (s *Scheduler) RequestRemeshImmediate(id ObjectID) error {
	obj, err := s.remeshable(id)
	if err != nil {
		return err
	}
	delete(s.pending, id)
	s.enqueueReady(obj)
	return nil
}

func (s *Scheduler) remeshable(id ObjectID) (*Object, error) {
	obj, ok := s.objects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownObject, id)
	}
	if obj.Field == nil || obj.job != nil {
		return nil, fmt.Errorf("%w: %d в состоянии %s", ErrNoField, id, obj.State)
	}
	return obj, nil
}

// Lock помечает объект как занятый фрагментацией: меш не строится,
// повреждения откладываются
func (s *Scheduler) Lock(id ObjectID) bool {
	obj, ok := s.objects[id]
	if !ok || obj.locked {
		return false
	}
	obj.locked = true
	return true
}

// Unlock снимает блокировку
func (s *Scheduler) Unlock(id ObjectID) {
	if obj, ok := s.objects[id]; ok {
		obj.locked = false
	}
}

// Restore возвращает объекту неповрежденное поле и перестраивает меш
func (s *Scheduler) Restore(id ObjectID) error {
	obj, err := s.remeshable(id)
	if err != nil {
		return err
	}
	if obj.Original == nil {
		return fmt.Errorf("%w: нет снимка для %d", ErrNoField, id)
	}
	copy(obj.Field.Data, obj.Original.Data)
	return s.RequestRemeshImmediate(id)
}

// Remove прекращает отслеживание объекта. Незавершенный расчет
// дорабатывает до конца и освобождается на следующих тиках.
func (s *Scheduler) Remove(id ObjectID) bool {
	obj, ok := s.objects[id]
	if !ok {
		return false
	}
	if obj.job != nil && !obj.job.Ready() {
		s.draining = append(s.draining, obj.job)
	}
	s.release(obj)
	return true
}

// Draining возвращает число расчетов удаленных объектов, которые еще идут
func (s *Scheduler) Draining() int {
	return len(s.draining)
}

// Close дожидается всех незавершенных расчетов
func (s *Scheduler) Close() {
	for _, id := range s.calculating {
		if obj, ok := s.objects[id]; ok && obj.job != nil {
			_ = obj.job.Wait()
		}
	}
	for _, job := range s.draining {
		_ = job.Wait()
	}
	s.draining = nil
}

func (s *Scheduler) release(obj *Object) {
	delete(s.objects, obj.ID)
	delete(s.pending, obj.ID)
	obj.job = nil
	obj.Field = nil
	obj.Original = nil
	obj.Mesh = nil
	obj.BuffersPrepared = false
	obj.inReady = false
	s.metrics.SetObjectsTracked(len(s.objects))
}

func (s *Scheduler) enqueueReady(obj *Object) {
	obj.State = GeneratingMesh
	if obj.inReady {
		return
	}
	obj.inReady = true
	s.ready = append(s.ready, obj.ID)
}

func (s *Scheduler) fail(obj *Object, err error) {
	obj.State = Failed
	obj.Err = err
	obj.job = nil
	s.logger.Warn("⚠️ Объект %d не прошел вокселизацию: %v", obj.ID, err)
	s.metrics.ObjectFailed()
	s.listener.OnFailed(obj, err)
}

// Tick продвигает конвейер на dt. Порядок: отложенные перестроения,
// опрос расчетов, запуск новых расчетов, извлечение мешей.
func (s *Scheduler) Tick(dt time.Duration) TickStats {
	s.now += dt
	var st TickStats

	st.Promoted = s.promotePending()
	s.pollDraining()
	st.Calculated, st.Failed = s.pollCalculations()
	started, failed := s.startCalculations()
	st.Started = started
	st.Failed += failed
	meshed, consumed, failed := s.generateMeshes()
	st.Meshed, st.Consumed = meshed, consumed
	st.Failed += failed

	return st
}

func (s *Scheduler) promotePending() int {
	var due []ObjectID
	for id, at := range s.pending {
		if at <= s.now {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	for _, id := range due {
		delete(s.pending, id)
		if obj, ok := s.objects[id]; ok {
			s.enqueueReady(obj)
		}
	}
	return len(due)
}

func (s *Scheduler) pollDraining() {
	kept := s.draining[:0]
	for _, job := range s.draining {
		if !job.Ready() {
			kept = append(kept, job)
		}
	}
	s.draining = kept
}

func (s *Scheduler) pollCalculations() (done, failed int) {
	kept := s.calculating[:0]
	for _, id := range s.calculating {
		obj, ok := s.objects[id]
		if !ok || obj.job == nil {
			continue
		}
		if !obj.job.Ready() {
			kept = append(kept, id)
			continue
		}
		err := obj.job.Err()
		obj.job = nil
		if err != nil {
			s.fail(obj, fmt.Errorf("расчет поля: %w", err))
			failed++
			continue
		}
		if obj.Original == nil {
			obj.Original = obj.Field.Clone()
		}
		s.enqueueReady(obj)
		done++
	}
	s.calculating = kept
	return done, failed
}

func (s *Scheduler) startCalculations() (started, failed int) {
	for len(s.queued) > 0 && started < s.opts.MaxSDFJobsPerTick {
		id := s.queued[0]
		s.queued = s.queued[1:]

		obj, ok := s.objects[id]
		if !ok || obj.State != Queued {
			continue
		}
		if err := obj.source.Validate(); err != nil {
			s.fail(obj, err)
			failed++
			continue
		}

		obj.Bounds = obj.source.Bounds().Expand(s.opts.BoundsPadding)
		obj.Resolution = sdf.PlanResolution(obj.Bounds.Size(), s.opts.Limits)

		field, job, err := sdf.BuildFromMesh(s.exec, obj.source, obj.Resolution, obj.Bounds)
		if err != nil {
			s.fail(obj, err)
			failed++
			continue
		}
		obj.Field = field
		obj.job = job
		obj.State = CalculatingSDF
		s.calculating = append(s.calculating, id)
		s.metrics.SDFJobStarted()
		s.logger.Debug("Запущен расчет SDF для %d: разрешение %v", id, obj.Resolution)
		started++
	}
	return started, failed
}

func (s *Scheduler) generateMeshes() (meshed, consumed, failed int) {
	// Слушатели могут ставить новые объекты в очередь во время обхода
	queue := s.ready
	s.ready = nil

	var kept []ObjectID
	processed := 0
	for i, id := range queue {
		if processed >= s.opts.MaxMeshesPerTick {
			kept = append(kept, queue[i:]...)
			break
		}
		obj, ok := s.objects[id]
		if !ok || !obj.inReady {
			continue
		}
		if obj.locked {
			kept = append(kept, id)
			continue
		}
		obj.inReady = false
		processed++

		if obj.Field == nil || obj.Field.Len() == 0 {
			s.fail(obj, ErrEmptyField)
			failed++
			continue
		}

		mesh, err := s.mesher.Generate(obj.Field, s.opts.Settings)
		if err != nil {
			s.fail(obj, err)
			failed++
			continue
		}
		s.metrics.MeshGenerated(mesh.VertexCount())

		if mesh.Empty() {
			s.logger.Debug("💥 Объект %d полностью разрушен", id)
			s.release(obj)
			s.metrics.ObjectConsumed()
			s.listener.OnConsumed(obj)
			consumed++
			continue
		}

		obj.Mesh = mesh
		obj.BuffersPrepared = true
		obj.State = Completed
		s.listener.OnMeshed(obj, mesh)
		meshed++
	}
	s.ready = append(kept, s.ready...)
	return meshed, consumed, failed
}
