package main

import (
	"github.com/annel0/voxelcarve/internal/damage"
	"github.com/annel0/voxelcarve/internal/logging"
	"github.com/annel0/voxelcarve/internal/mesher"
	"github.com/annel0/voxelcarve/internal/sdf"
	"github.com/annel0/voxelcarve/internal/world"
	"github.com/go-gl/mathgl/mgl32"
)

// fragmentSpeed - начальная скорость выброшенного фрагмента, м/с
const fragmentSpeed = 3

// sceneEntity - разрушаемый объект сцены сервера
type sceneEntity struct {
	id        uint64
	source    *sdf.TriangleMesh
	transform mgl32.Mat4
	// center - центр объекта в локальных координатах
	center    mgl32.Vec3
	velocity  mgl32.Vec3
	triangles int
}

func (e *sceneEntity) EntityID() uint64              { return e.id }
func (e *sceneEntity) SourceMesh() *sdf.TriangleMesh { return e.source }
func (e *sceneEntity) WorldToLocal() mgl32.Mat4      { return e.transform.Inv() }

// Position возвращает мировую позицию центра объекта
func (e *sceneEntity) Position() mgl32.Vec3 {
	return mgl32.TransformCoordinate(e.center, e.transform)
}

// sceneHost держит объекты сцены и принимает результаты сессии
type sceneHost struct {
	logger   *logging.Logger
	entities map[uint64]*sceneEntity
	order    []uint64
}

func newSceneHost(logger *logging.Logger) *sceneHost {
	return &sceneHost{logger: logger, entities: make(map[uint64]*sceneEntity)}
}

func (h *sceneHost) add(e *sceneEntity) {
	h.entities[e.id] = e
	h.order = append(h.order, e.id)
}

// Crate создает ящик с ребром size в точке pos
func (h *sceneHost) Crate(id uint64, pos mgl32.Vec3, size float32) *sceneEntity {
	half := size / 2
	e := &sceneEntity{
		id:        id,
		source:    sdf.Box(sdf.Bounds{Min: mgl32.Vec3{-half, -half, -half}, Max: mgl32.Vec3{half, half, half}}),
		transform: mgl32.Translate3D(pos[0], pos[1], pos[2]),
	}
	h.add(e)
	return e
}

// Alive возвращает живые объекты в порядке появления
func (h *sceneHost) Alive() []*sceneEntity {
	alive := make([]*sceneEntity, 0, len(h.entities))
	kept := h.order[:0]
	for _, id := range h.order {
		if e, ok := h.entities[id]; ok {
			alive = append(alive, e)
			kept = append(kept, id)
		}
	}
	h.order = kept
	return alive
}

func (h *sceneHost) ApplyMesh(e world.Entity, mesh *mesher.Mesh) {
	se, ok := h.entities[e.EntityID()]
	if !ok {
		return
	}
	se.triangles = mesh.TriangleCount()
	h.logger.Debug("🧱 Объект %d: %d треугольников", se.id, se.triangles)
}

func (h *sceneHost) SpawnFragment(source world.Entity, frag damage.Fragment) world.Entity {
	parent, ok := h.entities[source.EntityID()]
	if !ok {
		return nil
	}
	child := &sceneEntity{
		id:        frag.Index(),
		transform: parent.transform,
		center:    frag.Centroid,
		velocity:  parent.velocity.Add(frag.Direction.Mul(fragmentSpeed)),
	}
	h.add(child)
	h.logger.Info("🧩 Объект %d откололся фрагмент %s (%d вокселей)", parent.id, frag.ID, frag.Voxels)
	return child
}

func (h *sceneHost) RemoveEntity(e world.Entity) {
	delete(h.entities, e.EntityID())
	h.logger.Info("💥 Объект %d полностью разрушен", e.EntityID())
}

// Integrate сдвигает фрагменты по их скоростям
func (h *sceneHost) Integrate(dt float32) {
	for _, e := range h.entities {
		if e.velocity.Len() == 0 {
			continue
		}
		step := e.velocity.Mul(dt)
		e.transform = mgl32.Translate3D(step[0], step[1], step[2]).Mul4(e.transform)
	}
}
