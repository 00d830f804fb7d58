package streaming

import (
	"fmt"
	"sync"

	"github.com/annel0/voxelcarve/internal/logging"
	"github.com/annel0/voxelcarve/internal/mesher"
	"github.com/annel0/voxelcarve/internal/metrics"
	"github.com/annel0/voxelcarve/internal/sdf"
	"github.com/annel0/voxelcarve/internal/vec"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type viewEntry struct {
	coord    vec.Vec3
	field    *sdf.Field
	checksum uint64
	mesh     *mesher.Mesh
}

// View - сторона наблюдателя: строит меши полученных чанков и держит
// выгруженные в ограниченном кеше недавних (самые старые вытесняются первыми).
type View struct {
	mu       sync.Mutex
	mesher   *mesher.Mesher
	settings mesher.Settings
	capacity int
	logger   *logging.Logger
	metrics  *metrics.Metrics

	active map[vec.Vec3]*viewEntry
	// recent - выгруженные чанки; nil при нулевой емкости
	recent *simplelru.LRU[vec.Vec3, *viewEntry]
	built  int
}

// NewView создает представление наблюдателя
func NewView(m *mesher.Mesher, settings mesher.Settings, capacity int, logger *logging.Logger, mt *metrics.Metrics) *View {
	if logger == nil {
		logger = logging.Nop()
	}
	v := &View{
		mesher:   m,
		settings: settings,
		capacity: max(capacity, 0),
		logger:   logger,
		metrics:  mt,
		active:   make(map[vec.Vec3]*viewEntry),
	}
	if v.capacity > 0 {
		// NewLRU возвращает ошибку только для неположительного размера
		v.recent, _ = simplelru.NewLRU[vec.Vec3, *viewEntry](v.capacity, v.onEvicted)
	}
	return v
}

// onEvicted вызывается кешем под v.mu при любом удалении записи
func (v *View) onEvicted(coord vec.Vec3, _ *viewEntry) {
	v.metrics.SetRecencyCached(v.recent.Len())
	v.logger.Trace("Чанк %v покинул кеш недавних", coord)
}

// BuildChunk делает чанк активным и возвращает его меш. Если поле не
// изменилось (совпадает контрольная сумма), переиспользуется прежний меш,
// в том числе из кеша недавних.
func (v *View) BuildChunk(coord vec.Vec3, field *sdf.Field) (*mesher.Mesh, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	sum := field.Checksum()
	if e, ok := v.active[coord]; ok && e.checksum == sum {
		e.field = field
		return e.mesh, nil
	}
	if e, ok := v.peekRecent(coord); ok {
		v.recent.Remove(coord)
		if e.checksum == sum {
			e.field = field
			v.active[coord] = e
			return e.mesh, nil
		}
	}

	mesh, err := v.mesher.Generate(field, v.settings)
	if err != nil {
		return nil, fmt.Errorf("меш чанка %v: %w", coord, err)
	}
	v.active[coord] = &viewEntry{coord: coord, field: field, checksum: sum, mesh: mesh}
	v.built++
	return mesh, nil
}

// ReleaseChunk переносит чанк из активных в кеш недавних
func (v *View) ReleaseChunk(coord vec.Vec3) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.active[coord]
	if !ok {
		return
	}
	delete(v.active, coord)
	if v.recent == nil {
		return
	}

	if v.recent.Add(coord, e) {
		v.metrics.RecencyEvicted()
	}
	v.metrics.SetRecencyCached(v.recent.Len())
}

func (v *View) peekRecent(coord vec.Vec3) (*viewEntry, bool) {
	if v.recent == nil {
		return nil, false
	}
	return v.recent.Peek(coord)
}

// Mesh возвращает меш активного чанка
func (v *View) Mesh(coord vec.Vec3) (*mesher.Mesh, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.active[coord]
	if !ok {
		return nil, false
	}
	return e.mesh, true
}

// Cached сообщает, лежит ли чанк в кеше недавних
func (v *View) Cached(coord vec.Vec3) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.peekRecent(coord)
	return ok
}

// ActiveCount - число активных чанков
func (v *View) ActiveCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.active)
}

// CachedCount - число чанков в кеше недавних
func (v *View) CachedCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.recent == nil {
		return 0
	}
	return v.recent.Len()
}

// Built - сколько раз меш действительно извлекался
func (v *View) Built() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.built
}
