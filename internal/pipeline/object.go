// Package pipeline ведет воксельные объекты через конечный автомат
// Queued -> CalculatingSDF -> GeneratingMesh -> Completed с бюджетами на тик.
package pipeline

import (
	"errors"

	"github.com/annel0/voxelcarve/internal/compute"
	"github.com/annel0/voxelcarve/internal/mesher"
	"github.com/annel0/voxelcarve/internal/sdf"
	"github.com/annel0/voxelcarve/internal/vec"
)

// State - состояние объекта в конвейере
type State int

const (
	Queued State = iota
	CalculatingSDF
	GeneratingMesh
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Queued:
		return "Queued"
	case CalculatingSDF:
		return "CalculatingSDF"
	case GeneratingMesh:
		return "GeneratingMesh"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

var (
	ErrAlreadyRegistered = errors.New("объект уже зарегистрирован")
	ErrUnknownObject     = errors.New("объект не найден")
	ErrEmptyField        = errors.New("поле объекта пустое")
	ErrNoField           = errors.New("у объекта еще нет поля")
)

// ObjectID - индекс объекта, общий для автора и наблюдателей
type ObjectID uint64

// Object связывает одно поле расстояний с одной сущностью
type Object struct {
	ID         ObjectID
	State      State
	Resolution vec.Vec3
	Bounds     sdf.Bounds
	// Field - живое поле; меняется только текущим владельцем объекта
	Field *sdf.Field
	// Original - снимок неповрежденного поля после первого расчета
	Original *sdf.Field
	// BuffersPrepared - буферы вершин/треугольников сущности уже созданы
	BuffersPrepared bool
	Mesh            *mesher.Mesh
	Err             error

	source  *sdf.TriangleMesh
	job     *compute.Job
	locked  bool
	inReady bool
}

// Locked сообщает, что над объектом идет фрагментация
func (o *Object) Locked() bool {
	return o.locked
}

// ReadyForDamage - объект посчитан и не заблокирован
func (o *Object) ReadyForDamage() bool {
	return o.Field != nil && !o.locked && (o.State == Completed || o.State == GeneratingMesh)
}

// Listener получает результаты конвейера. Вызывается из Tick.
type Listener interface {
	OnMeshed(obj *Object, mesh *mesher.Mesh)
	OnConsumed(obj *Object)
	OnFailed(obj *Object, err error)
}

// ListenerFuncs - Listener из набора необязательных функций
type ListenerFuncs struct {
	Meshed   func(obj *Object, mesh *mesher.Mesh)
	Consumed func(obj *Object)
	FailedFn func(obj *Object, err error)
}

func (l ListenerFuncs) OnMeshed(obj *Object, mesh *mesher.Mesh) {
	if l.Meshed != nil {
		l.Meshed(obj, mesh)
	}
}

func (l ListenerFuncs) OnConsumed(obj *Object) {
	if l.Consumed != nil {
		l.Consumed(obj)
	}
}

func (l ListenerFuncs) OnFailed(obj *Object, err error) {
	if l.FailedFn != nil {
		l.FailedFn(obj, err)
	}
}
