// Package world связывает конвейер вокселизации, движок повреждений,
// журнал событий и игровой движок-хост в одну сессию разрушаемых объектов.
package world

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/annel0/voxelcarve/internal/compute"
	"github.com/annel0/voxelcarve/internal/damage"
	"github.com/annel0/voxelcarve/internal/eventlog"
	"github.com/annel0/voxelcarve/internal/logging"
	"github.com/annel0/voxelcarve/internal/mesher"
	"github.com/annel0/voxelcarve/internal/metrics"
	"github.com/annel0/voxelcarve/internal/pipeline"
	"github.com/annel0/voxelcarve/internal/sdf"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

var (
	// ErrNoComputeDevice - сессия не может работать без вычислителя
	ErrNoComputeDevice = errors.New("вычислительное устройство недоступно")
	ErrUnknownObject   = errors.New("объект не управляется сессией")
)

// Entity - объект игрового движка, которым управляет сессия
type Entity interface {
	// EntityID - индекс объекта, общий для всех участников репликации
	EntityID() uint64
	SourceMesh() *sdf.TriangleMesh
	// WorldToLocal переводит мировые координаты в локальные координаты меша
	WorldToLocal() mgl32.Mat4
}

// Host - обратные вызовы в игровой движок. Вызываются только из Tick.
type Host interface {
	ApplyMesh(e Entity, mesh *mesher.Mesh)
	// SpawnFragment создает объект для оторвавшейся части. Поле фрагмента
	// задано в локальных координатах источника. EntityID нового объекта
	// должен быть frag.Index(), иначе реплики не найдут его по событиям.
	// nil - фрагмент не нужен.
	SpawnFragment(source Entity, frag damage.Fragment) Entity
	RemoveEntity(e Entity)
}

// Options - параметры сессии
type Options struct {
	Pipeline pipeline.Options
	Damage   damage.Options
	// Seed - источник зерен повреждений на авторитетной стороне
	Seed uint64
}

// Deps - внешние зависимости сессии
type Deps struct {
	Exec compute.Executor
	// Mesher по умолчанию создается на Exec
	Mesher *mesher.Mesher
	Host   Host
	// Events - журнал повреждений; nil отключает запись
	Events eventlog.Log
	// Deleted по умолчанию - локальный набор в памяти
	Deleted eventlog.DeletedLog
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

type damageRequest struct {
	id       pipeline.ObjectID
	center   mgl32.Vec3
	radius   float32
	strength float32
	seed     uint64
	restore  bool
}

type fragmentJob struct {
	id      pipeline.ObjectID
	job     *compute.Job
	result  damage.Result
	removed bool
}

// Session - реестр разрушаемых объектов. Все методы, кроме
// ApplyDamageEvent, вызываются из управляющего потока.
type Session struct {
	sched   *pipeline.Scheduler
	engine  *damage.Engine
	exec    compute.Executor
	host    Host
	events  eventlog.Log
	deleted eventlog.DeletedLog
	logger  *logging.Logger
	metrics *metrics.Metrics
	rng     *rand.Rand

	entities    map[pipeline.ObjectID]Entity
	fragments   map[pipeline.ObjectID]uuid.UUID
	requests    []damageRequest
	fragmenting map[pipeline.ObjectID]*fragmentJob
	// gone - объекты, которые уже не появятся: удаленные, уничтоженные
	// и пропущенные фрагменты
	gone map[pipeline.ObjectID]struct{}

	inboxMu sync.Mutex
	inbox   []damageRequest
}

// NewSession создает сессию
func NewSession(opts Options, deps Deps) (*Session, error) {
	if deps.Exec == nil {
		return nil, ErrNoComputeDevice
	}
	if deps.Host == nil {
		return nil, errors.New("хост не задан")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Mesher == nil {
		deps.Mesher = mesher.New(deps.Exec)
	}
	if deps.Deleted == nil {
		deps.Deleted = eventlog.NewDeletedSet()
	}

	s := &Session{
		engine:      damage.NewEngine(opts.Damage),
		exec:        deps.Exec,
		host:        deps.Host,
		events:      deps.Events,
		deleted:     deps.Deleted,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		rng:         rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		entities:    make(map[pipeline.ObjectID]Entity),
		fragments:   make(map[pipeline.ObjectID]uuid.UUID),
		fragmenting: make(map[pipeline.ObjectID]*fragmentJob),
		gone:        make(map[pipeline.ObjectID]struct{}),
	}

	listener := pipeline.ListenerFuncs{
		Meshed:   s.onMeshed,
		Consumed: s.onConsumed,
		FailedFn: s.onFailed,
	}
	sched, err := pipeline.NewScheduler(opts.Pipeline, deps.Exec, deps.Mesher, listener, deps.Logger, deps.Metrics)
	if err != nil {
		if errors.Is(err, compute.ErrNilExecutor) {
			return nil, ErrNoComputeDevice
		}
		return nil, fmt.Errorf("не удалось создать конвейер: %w", err)
	}
	s.sched = sched
	return s, nil
}

// RegisterObject ставит объект в очередь на вокселизацию
func (s *Session) RegisterObject(e Entity) error {
	id := pipeline.ObjectID(e.EntityID())
	if _, err := s.sched.Register(id, e.SourceMesh()); err != nil {
		return err
	}
	s.entities[id] = e
	delete(s.gone, id)
	s.logger.Debug("📦 Объект %d зарегистрирован", id)
	return nil
}

// IsManaged сообщает, отслеживает ли сессия объект
func (s *Session) IsManaged(e Entity) bool {
	_, ok := s.entities[pipeline.ObjectID(e.EntityID())]
	return ok
}

// IsReadyForDamage - поле посчитано и объект не заблокирован фрагментацией
func (s *Session) IsReadyForDamage(e Entity) bool {
	obj, ok := s.sched.Get(pipeline.ObjectID(e.EntityID()))
	return ok && obj.ReadyForDamage()
}

// Object возвращает состояние объекта в конвейере
func (s *Session) Object(e Entity) (*pipeline.Object, bool) {
	return s.sched.Get(pipeline.ObjectID(e.EntityID()))
}

// RequestDamage ставит повреждение в мировых координатах. Незарегистрированный
// объект регистрируется. Если задан журнал, событие записывается в него в
// локальных координатах объекта вместе с зерном фрагментации.
func (s *Session) RequestDamage(ctx context.Context, e Entity, point mgl32.Vec3, radius, strength float32) error {
	if !s.IsManaged(e) {
		if err := s.RegisterObject(e); err != nil {
			return err
		}
	}

	toLocal := e.WorldToLocal()
	req := damageRequest{
		id:       pipeline.ObjectID(e.EntityID()),
		center:   mgl32.TransformCoordinate(point, toLocal),
		radius:   radius * averageScale(toLocal),
		strength: strength,
		seed:     s.rng.Uint64(),
	}
	if err := s.record(ctx, req); err != nil {
		return err
	}
	s.requests = append(s.requests, req)
	return nil
}

// RestoreObject возвращает объекту неповрежденное поле. Восстановление
// идет через журнал в общем порядке с повреждениями и ждет, пока объект
// не станет готов.
func (s *Session) RestoreObject(ctx context.Context, e Entity) error {
	id := pipeline.ObjectID(e.EntityID())
	if _, ok := s.entities[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownObject, id)
	}
	req := damageRequest{id: id, restore: true}
	if err := s.record(ctx, req); err != nil {
		return err
	}
	s.requests = append(s.requests, req)
	return nil
}

func (s *Session) record(ctx context.Context, req damageRequest) error {
	if s.events == nil {
		return nil
	}
	_, err := s.events.Append(ctx, eventlog.DamageEvent{
		ObjectIndex: uint64(req.id),
		Position:    req.center,
		Radius:      req.radius,
		Strength:    req.strength,
		Seed:        req.seed,
		Restore:     req.restore,
	})
	if err != nil {
		return fmt.Errorf("не удалось записать событие объекта %d: %w", req.id, err)
	}
	return nil
}

// averageScale - средняя длина столбцов линейной части матрицы
func averageScale(m mgl32.Mat4) float32 {
	return (m.Col(0).Vec3().Len() + m.Col(1).Vec3().Len() + m.Col(2).Vec3().Len()) / 3
}

// ApplyDamageEvent принимает реплицированное повреждение. Безопасен для
// вызова из любой горутины: событие применяется на следующем Tick.
func (s *Session) ApplyDamageEvent(objectIndex uint64, ev eventlog.DamageEvent) {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	s.inbox = append(s.inbox, damageRequest{
		id:       pipeline.ObjectID(objectIndex),
		center:   ev.Position,
		radius:   ev.Radius,
		strength: ev.Strength,
		seed:     ev.Seed,
		restore:  ev.Restore,
	})
}

// Follow подписывает сессию на журнал повреждений начиная с fromSeq
func (s *Session) Follow(ctx context.Context, log eventlog.Log, fromSeq uint64) (eventlog.Subscription, error) {
	return log.Subscribe(ctx, fromSeq, func(_ context.Context, ev eventlog.DamageEvent) {
		s.ApplyDamageEvent(ev.ObjectIndex, ev)
	})
}

// RequestRemesh перестраивает меш после задержки
func (s *Session) RequestRemesh(e Entity) error {
	return s.remesh(e, s.sched.RequestRemesh)
}

// RequestRemeshImmediate перестраивает меш на ближайшем тике
func (s *Session) RequestRemeshImmediate(e Entity) error {
	return s.remesh(e, s.sched.RequestRemeshImmediate)
}

func (s *Session) remesh(e Entity, fn func(pipeline.ObjectID) error) error {
	id := pipeline.ObjectID(e.EntityID())
	if _, ok := s.entities[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownObject, id)
	}
	return fn(id)
}

// RemoveObject прекращает управление объектом. Идущая фрагментация
// дорабатывает, но ее результат отбрасывается.
func (s *Session) RemoveObject(e Entity) error {
	id := pipeline.ObjectID(e.EntityID())
	if _, ok := s.entities[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownObject, id)
	}
	s.sched.Remove(id)
	if fj, ok := s.fragmenting[id]; ok {
		fj.removed = true
	}
	s.forget(id)

	kept := s.requests[:0]
	for _, r := range s.requests {
		if r.id != id {
			kept = append(kept, r)
		}
	}
	s.requests = kept
	return nil
}

func (s *Session) forget(id pipeline.ObjectID) {
	delete(s.entities, id)
	s.gone[id] = struct{}{}
	if fid, ok := s.fragments[id]; ok {
		delete(s.fragments, id)
		if err := s.deleted.MarkDeleted(context.Background(), fid); err != nil {
			s.logger.Warn("⚠️ Не удалось отметить фрагмент %s удаленным: %v", fid, err)
		}
	}
}

// IsDeleted сообщает, что фрагмент с таким идентификатором уже уничтожен
func (s *Session) IsDeleted(id uuid.UUID) bool {
	return s.deleted.IsDeleted(id)
}

// MarkDeleted отмечает фрагмент уничтоженным
func (s *Session) MarkDeleted(ctx context.Context, id uuid.UUID) error {
	return s.deleted.MarkDeleted(ctx, id)
}

// FragmentID возвращает идентификатор фрагмента, если объект им является
func (s *Session) FragmentID(e Entity) (uuid.UUID, bool) {
	id, ok := s.fragments[pipeline.ObjectID(e.EntityID())]
	return id, ok
}

// PendingDamage - число повреждений, ожидающих применения
func (s *Session) PendingDamage() int {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	return len(s.requests) + len(s.inbox)
}

// Fragmenting - число идущих фрагментаций
func (s *Session) Fragmenting() int {
	return len(s.fragmenting)
}

// Len - число управляемых объектов
func (s *Session) Len() int {
	return len(s.entities)
}

// Tick продвигает сессию: реплицированные события, очередь повреждений,
// завершенные фрагментации, затем конвейер.
func (s *Session) Tick(dt time.Duration) pipeline.TickStats {
	s.drainInbox()
	s.processDamage()
	s.pollFragmentation()
	return s.sched.Tick(dt)
}

func (s *Session) drainInbox() {
	s.inboxMu.Lock()
	inbox := s.inbox
	s.inbox = nil
	s.inboxMu.Unlock()
	s.requests = append(s.requests, inbox...)
}

func (s *Session) processDamage() {
	queue := s.requests
	s.requests = nil

	var deferred []damageRequest
	for _, req := range queue {
		obj, ok := s.sched.Get(req.id)
		if !ok {
			if _, dead := s.gone[req.id]; dead {
				s.logger.Debug("Повреждение уничтоженного объекта %d отброшено", req.id)
				continue
			}
			// Цель появится позже: фрагмент из более раннего события
			// или объект, который хост еще не зарегистрировал
			deferred = append(deferred, req)
			s.metrics.DamageDeferred()
			continue
		}
		if !obj.ReadyForDamage() {
			deferred = append(deferred, req)
			s.metrics.DamageDeferred()
			continue
		}
		s.apply(obj, req)
	}
	s.requests = append(deferred, s.requests...)
}

func (s *Session) apply(obj *pipeline.Object, req damageRequest) {
	if req.restore {
		if err := s.sched.Restore(obj.ID); err != nil {
			s.logger.Warn("⚠️ Восстановление объекта %d: %v", obj.ID, err)
		}
		return
	}
	if req.strength == damage.RemeshOnly {
		if err := s.sched.RequestRemesh(obj.ID); err != nil {
			s.logger.Warn("⚠️ Перестроение объекта %d: %v", obj.ID, err)
		}
		return
	}
	if !damage.ApplyDamage(obj.Field, req.center, req.radius, req.strength) {
		s.logger.Trace("Повреждение объекта %d ничего не изменило", obj.ID)
		return
	}
	s.metrics.DamageApplied()

	s.sched.Lock(obj.ID)
	fj := &fragmentJob{id: obj.ID}
	field, sourceID, seed := obj.Field, uint64(obj.ID), req.seed
	fj.job = s.exec.Dispatch(1, func(int) {
		fj.result = s.engine.Fragment(sourceID, field, seed)
	})
	s.fragmenting[obj.ID] = fj
}

func (s *Session) pollFragmentation() {
	ids := make([]pipeline.ObjectID, 0, len(s.fragmenting))
	for id, fj := range s.fragmenting {
		if fj.job.Ready() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		fj := s.fragmenting[id]
		delete(s.fragmenting, id)
		if fj.removed {
			if fj.job.Err() == nil {
				for _, frag := range fj.result.Fragments {
					s.gone[pipeline.ObjectID(frag.Index())] = struct{}{}
				}
			}
			continue
		}
		s.sched.Unlock(id)
		if err := fj.job.Err(); err != nil {
			s.logger.Error("❌ Фрагментация объекта %d: %v", id, err)
			continue
		}
		s.spawnFragments(id, fj.result)

		remesh := s.sched.RequestRemesh
		if fj.result.Split() {
			remesh = s.sched.RequestRemeshImmediate
		}
		if err := remesh(id); err != nil {
			s.logger.Warn("⚠️ Перестроение объекта %d: %v", id, err)
		}
	}
}

func (s *Session) spawnFragments(id pipeline.ObjectID, res damage.Result) {
	if res.Discarded > 0 {
		s.metrics.FragmentsDiscarded(res.Discarded)
	}
	source := s.entities[id]
	for _, frag := range res.Fragments {
		if s.deleted.IsDeleted(frag.ID) {
			s.logger.Debug("Фрагмент %s уже уничтожен, пропуск", frag.ID)
			s.gone[pipeline.ObjectID(frag.Index())] = struct{}{}
			continue
		}
		child := s.host.SpawnFragment(source, frag)
		if child == nil {
			s.gone[pipeline.ObjectID(frag.Index())] = struct{}{}
			continue
		}
		childID := pipeline.ObjectID(child.EntityID())
		if _, err := s.sched.Adopt(childID, frag.Field); err != nil {
			s.logger.Warn("⚠️ Фрагмент %s не принят: %v", frag.ID, err)
			continue
		}
		s.entities[childID] = child
		delete(s.gone, childID)
		s.fragments[childID] = frag.ID
		s.metrics.FragmentSpawned()
		s.logger.Debug("🧩 Объект %d: фрагмент %s (%d вокселей)", id, frag.ID, frag.Voxels)
	}
}

func (s *Session) onMeshed(obj *pipeline.Object, mesh *mesher.Mesh) {
	if e, ok := s.entities[obj.ID]; ok {
		s.host.ApplyMesh(e, mesh)
	}
}

func (s *Session) onConsumed(obj *pipeline.Object) {
	e, ok := s.entities[obj.ID]
	if !ok {
		return
	}
	s.forget(obj.ID)
	s.host.RemoveEntity(e)
}

func (s *Session) onFailed(obj *pipeline.Object, err error) {
	s.logger.Error("❌ Объект %d выведен из обработки: %v", obj.ID, err)
}

// Close дожидается идущих расчетов и фрагментаций
func (s *Session) Close() {
	for _, fj := range s.fragmenting {
		_ = fj.job.Wait()
	}
	s.sched.Close()
}
