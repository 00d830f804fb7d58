package streaming

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/annel0/voxelcarve/internal/compute"
	"github.com/annel0/voxelcarve/internal/damage"
	"github.com/annel0/voxelcarve/internal/logging"
	"github.com/annel0/voxelcarve/internal/metrics"
	"github.com/annel0/voxelcarve/internal/sdf"
	"github.com/annel0/voxelcarve/internal/storage"
	"github.com/annel0/voxelcarve/internal/vec"
	"github.com/go-gl/mathgl/mgl32"
)

var (
	ErrObserverExists  = errors.New("наблюдатель уже зарегистрирован")
	ErrUnknownObserver = errors.New("неизвестный наблюдатель")
)

// BedrockValue - каноническое значение "сплошная порода"
const BedrockValue float32 = -1

// Options - параметры контроллера стриминга
type Options struct {
	Layout         Layout
	UpdateInterval time.Duration
	// Ковер: радиус по горизонтали, слои выше и ниже наблюдателя
	CarpetRadius int
	CarpetAbove  int
	CarpetBelow  int
	// Подземная заливка
	UndergroundThreshold    float64
	UndergroundLoadDistance int
	// Допустимый диапазон слоев чанков по Y
	MinChunkY int
	MaxChunkY int
	// BedrockLayers - нижние слои отсчетов чанков на MinChunkY, прижимаемые к породе
	BedrockLayers int
}

// Sink получает команды загрузки и выгрузки чанков для наблюдателей
type Sink interface {
	LoadChunk(observer string, coord vec.Vec3, field *sdf.Field)
	UnloadChunk(observer string, coord vec.Vec3)
}

type observer struct {
	id       string
	pos      mgl32.Vec3
	required map[vec.Vec3]struct{}
}

// Controller - авторитетная сторона стриминга. Все карты чанков
// меняются только из потока, вызывающего методы контроллера.
type Controller struct {
	opts    Options
	gen     Generator
	exec    compute.Executor
	store   storage.ChunkStore
	sink    Sink
	logger  *logging.Logger
	metrics *metrics.Metrics

	chunks    map[vec.Vec3]*Chunk
	observers map[string]*observer
	elapsed   time.Duration
}

// NewController создает контроллер. store может быть nil (без персистентности).
func NewController(opts Options, gen Generator, exec compute.Executor, store storage.ChunkStore, sink Sink,
	logger *logging.Logger, mt *metrics.Metrics) (*Controller, error) {
	if exec == nil {
		return nil, compute.ErrNilExecutor
	}
	if gen == nil {
		return nil, errors.New("генератор рельефа не задан")
	}
	if opts.Layout.Size <= 0 || opts.Layout.Resolution < sdf.MinAxisResolution {
		return nil, fmt.Errorf("некорректная сетка чанков: размер %.2f, разрешение %d",
			opts.Layout.Size, opts.Layout.Resolution)
	}
	if opts.MinChunkY > opts.MaxChunkY {
		return nil, fmt.Errorf("min_chunk_y (%d) больше max_chunk_y (%d)", opts.MinChunkY, opts.MaxChunkY)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Controller{
		opts:      opts,
		gen:       gen,
		exec:      exec,
		store:     store,
		sink:      sink,
		logger:    logger,
		metrics:   mt,
		chunks:    make(map[vec.Vec3]*Chunk),
		observers: make(map[string]*observer),
	}, nil
}

// Layout возвращает геометрию сетки
func (c *Controller) Layout() Layout {
	return c.opts.Layout
}

// AddObserver регистрирует наблюдателя; чанки придут на ближайшем обновлении
func (c *Controller) AddObserver(id string, pos mgl32.Vec3) error {
	if _, ok := c.observers[id]; ok {
		return fmt.Errorf("%w: %s", ErrObserverExists, id)
	}
	c.observers[id] = &observer{id: id, pos: pos, required: make(map[vec.Vec3]struct{})}
	c.logger.Info("👀 Наблюдатель %s добавлен в %v", id, c.opts.Layout.ChunkOf(pos))
	return nil
}

// MoveObserver обновляет позицию наблюдателя
func (c *Controller) MoveObserver(id string, pos mgl32.Vec3) error {
	o, ok := c.observers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObserver, id)
	}
	o.pos = pos
	return nil
}

// RemoveObserver выгружает все чанки наблюдателя и забывает его
func (c *Controller) RemoveObserver(id string) error {
	o, ok := c.observers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObserver, id)
	}
	if c.sink != nil {
		for _, coord := range sortedCoords(o.required) {
			c.sink.UnloadChunk(id, coord)
		}
	}
	delete(c.observers, id)
	c.metrics.ForgetObserver(id)
	c.logger.Info("👋 Наблюдатель %s удален", id)
	return nil
}

// Loaded возвращает чанки, загруженные наблюдателем, в порядке координат
func (c *Controller) Loaded(id string) []vec.Vec3 {
	o, ok := c.observers[id]
	if !ok {
		return nil
	}
	return sortedCoords(o.required)
}

// Chunk возвращает чанк из кеша
func (c *Controller) Chunk(coord vec.Vec3) (*Chunk, bool) {
	ch, ok := c.chunks[coord]
	return ch, ok
}

// CachedCount - число чанков в памяти
func (c *Controller) CachedCount() int {
	return len(c.chunks)
}

// Tick накапливает время и пересчитывает наборы чанков раз в UpdateInterval.
// Возвращает true, если обновление произошло.
func (c *Controller) Tick(dt time.Duration) bool {
	c.elapsed += dt
	if c.elapsed < c.opts.UpdateInterval {
		return false
	}
	c.elapsed = 0
	c.Update()
	return true
}

// Update пересчитывает необходимые наборы всех наблюдателей и рассылает разницу
func (c *Controller) Update() {
	ids := make([]string, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		o := c.observers[id]
		required := c.Required(o.pos)

		var added, removed []vec.Vec3
		for coord := range required {
			if _, ok := o.required[coord]; !ok {
				added = append(added, coord)
			}
		}
		for coord := range o.required {
			if _, ok := required[coord]; !ok {
				removed = append(removed, coord)
			}
		}
		sortVec(added)
		sortVec(removed)

		// Сначала получаем все новые чанки, затем обновляем набор и рассылаем.
		// Несгенерированный чанк не попадает в набор и запрашивается снова.
		ready := added[:0]
		for _, coord := range added {
			if c.acquire(coord) == nil {
				delete(required, coord)
				continue
			}
			ready = append(ready, coord)
		}
		added = ready
		o.required = required
		c.metrics.SetRequiredChunks(id, len(required))

		if len(added) > 0 || len(removed) > 0 {
			c.logger.Debug("🔄 %s: +%d / -%d чанков (всего %d)", id, len(added), len(removed), len(required))
		}
		if c.sink == nil {
			continue
		}
		for _, coord := range removed {
			c.sink.UnloadChunk(id, coord)
		}
		for _, coord := range added {
			c.sink.LoadChunk(id, coord, c.chunks[coord].Field.Clone())
		}
	}
}

// Required вычисляет необходимый набор чанков для позиции: ковер вокруг
// наблюдателя и, под землей, заливку по соседям
func (c *Controller) Required(pos mgl32.Vec3) map[vec.Vec3]struct{} {
	center := c.opts.Layout.ChunkOf(pos)
	set := make(map[vec.Vec3]struct{})

	r := c.opts.CarpetRadius
	for dy := -c.opts.CarpetBelow; dy <= c.opts.CarpetAbove; dy++ {
		for dz := -r; dz <= r; dz++ {
			for dx := -r; dx <= r; dx++ {
				coord := center.Add(vec.New(dx, dy, dz))
				if c.inBand(coord) {
					set[coord] = struct{}{}
				}
			}
		}
	}

	if c.gen.SurfaceDepth(pos) > c.opts.UndergroundThreshold {
		for coord := range c.FloodFill(center) {
			set[coord] = struct{}{}
		}
	}
	return set
}

// FloodFill обходит соседей в ширину от start не дальше
// UndergroundLoadDistance шагов. Через тривиальные чанки обход не идет,
// кроме стартового. Возвращает посещенные чанки и их расстояния.
func (c *Controller) FloodFill(start vec.Vec3) map[vec.Vec3]int {
	visited := make(map[vec.Vec3]int)
	if !c.inBand(start) {
		return visited
	}

	visited[start] = 0
	queue := []vec.Vec3{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		dist := visited[cur]

		if dist >= c.opts.UndergroundLoadDistance {
			continue
		}
		if dist > 0 {
			if ch := c.acquire(cur); ch == nil || ch.Trivial() {
				continue
			}
		}
		for _, d := range vec.Neighbors6 {
			n := cur.Add(d)
			if _, seen := visited[n]; seen || !c.inBand(n) {
				continue
			}
			visited[n] = dist + 1
			queue = append(queue, n)
		}
	}
	return visited
}

func (c *Controller) inBand(coord vec.Vec3) bool {
	return coord.Y >= c.opts.MinChunkY && coord.Y <= c.opts.MaxChunkY
}

// acquire возвращает чанк: память, затем хранилище, затем генерация.
// nil - генерация не удалась, в кеш ничего не попало.
func (c *Controller) acquire(coord vec.Vec3) *Chunk {
	if ch, ok := c.chunks[coord]; ok {
		return ch
	}

	ch := c.load(coord)
	if ch == nil {
		var err error
		if ch, err = c.generate(coord); err != nil {
			c.logger.Error("❌ Ошибка генерации чанка %v: %v", coord, err)
			return nil
		}
	}
	if coord.Y == c.opts.MinChunkY && c.patchBedrock(ch.Field) {
		ch.Dirty = true
	}

	c.chunks[coord] = ch
	for _, n := range c.stitch(ch) {
		c.push(n)
	}
	return ch
}

func (c *Controller) load(coord vec.Vec3) *Chunk {
	if c.store == nil {
		return nil
	}
	data, err := c.store.Load(coord)
	if errors.Is(err, storage.ErrChunkNotFound) {
		return nil
	}
	if err != nil {
		c.logger.Warn("⚠️ Не удалось загрузить чанк %v, генерируем заново: %v", coord, err)
		return nil
	}

	field := c.opts.Layout.NewField(coord)
	if len(data) != field.Len() {
		c.logger.Warn("⚠️ Чанк %v на диске содержит %d отсчетов вместо %d, генерируем заново",
			coord, len(data), field.Len())
		return nil
	}
	copy(field.Data, data)
	c.metrics.ChunkLoaded()
	return &Chunk{Coord: coord, Field: field, Source: SourceStore}
}

// generate заполняет поле генератором на вычислительном пуле. Сгенерированный
// чанк помечается грязным, чтобы Flush сохранил его.
func (c *Controller) generate(coord vec.Vec3) (*Chunk, error) {
	field := c.opts.Layout.NewField(coord)
	if err := sdf.Evaluate(c.exec, field, c.gen).Wait(); err != nil {
		return nil, err
	}
	c.metrics.ChunkGenerated()
	return &Chunk{Coord: coord, Field: field, Dirty: true, Source: SourceGenerated}, nil
}

// patchBedrock прижимает нижние слои к породе: v = min(v, BedrockValue)
func (c *Controller) patchBedrock(f *sdf.Field) bool {
	layers := min(c.opts.BedrockLayers, f.Resolution.Y)
	changed := false
	for z := 0; z < f.Resolution.Z; z++ {
		for y := 0; y < layers; y++ {
			for x := 0; x < f.Resolution.X; x++ {
				i := f.Index(x, y, z)
				if f.Data[i] > BedrockValue {
					f.Data[i] = BedrockValue
					changed = true
				}
			}
		}
	}
	return changed
}

// stitch согласует общие граничные плоскости с соседями из кеша,
// выбирая максимум (удаление материала побеждает). Возвращает соседей,
// чьи поля изменились.
func (c *Controller) stitch(ch *Chunk) []vec.Vec3 {
	var touched []vec.Vec3
	last := c.opts.Layout.Resolution - 1

	for axis := 0; axis < 3; axis++ {
		for _, dir := range [2]int{-1, 1} {
			var offset [3]int
			offset[axis] = dir
			nc := ch.Coord.Add(vec.New(offset[0], offset[1], offset[2]))
			n, ok := c.chunks[nc]
			if !ok {
				continue
			}

			own, other := last, 0
			if dir < 0 {
				own, other = 0, last
			}
			ownChanged, otherChanged := stitchPlane(ch.Field, n.Field, axis, own, other)
			if ownChanged {
				ch.Dirty = true
			}
			if otherChanged {
				n.Dirty = true
				touched = append(touched, nc)
			}
		}
	}
	return touched
}

func stitchPlane(a, b *sdf.Field, axis, ka, kb int) (aChanged, bChanged bool) {
	u, v := (axis+1)%3, (axis+2)%3
	res := [3]int{a.Resolution.X, a.Resolution.Y, a.Resolution.Z}

	for j := 0; j < res[v]; j++ {
		for i := 0; i < res[u]; i++ {
			var pa, pb [3]int
			pa[axis], pb[axis] = ka, kb
			pa[u], pb[u] = i, i
			pa[v], pb[v] = j, j

			ia := a.Index(pa[0], pa[1], pa[2])
			ib := b.Index(pb[0], pb[1], pb[2])
			m := max(a.Data[ia], b.Data[ib])
			if a.Data[ia] != m {
				a.Data[ia] = m
				aChanged = true
			}
			if b.Data[ib] != m {
				b.Data[ib] = m
				bChanged = true
			}
		}
	}
	return aChanged, bChanged
}

// push повторно отправляет чанк наблюдателям, у которых он загружен
func (c *Controller) push(coord vec.Vec3) {
	if c.sink == nil {
		return
	}
	ch, ok := c.chunks[coord]
	if !ok {
		return
	}
	for _, id := range c.holders(coord) {
		c.sink.LoadChunk(id, coord, ch.Field.Clone())
	}
}

func (c *Controller) holders(coord vec.Vec3) []string {
	var ids []string
	for id, o := range c.observers {
		if _, ok := o.required[coord]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// CarveTerrain вырезает сферу из всех чанков, которые она задевает,
// сшивает границы и рассылает измененные чанки. Возвращает измененные координаты.
func (c *Controller) CarveTerrain(center mgl32.Vec3, radius, strength float32) []vec.Vec3 {
	if radius <= 0 {
		return nil
	}
	r := mgl32.Vec3{radius, radius, radius}
	lo := c.opts.Layout.ChunkOf(center.Sub(r))
	hi := c.opts.Layout.ChunkOf(center.Add(r))

	var changed []vec.Vec3
	for z := lo.Z; z <= hi.Z; z++ {
		for y := max(lo.Y, c.opts.MinChunkY); y <= min(hi.Y, c.opts.MaxChunkY); y++ {
			for x := lo.X; x <= hi.X; x++ {
				coord := vec.New(x, y, z)
				ch := c.acquire(coord)
				if ch == nil {
					continue
				}
				if damage.ApplyDamage(ch.Field, center, radius, strength) {
					ch.Dirty = true
					changed = append(changed, coord)
				}
			}
		}
	}

	affected := make(map[vec.Vec3]struct{}, len(changed))
	for _, coord := range changed {
		affected[coord] = struct{}{}
		for _, n := range c.stitch(c.chunks[coord]) {
			affected[n] = struct{}{}
		}
	}
	for _, coord := range sortedCoords(affected) {
		c.push(coord)
	}

	if len(changed) > 0 {
		c.logger.Debug("⛏️ Вырезано в %v (r=%.2f): изменено %d чанков", center, radius, len(changed))
	}
	return changed
}

// Flush сохраняет грязные чанки. Ошибки записи логируются, чанк
// остается грязным до следующей попытки.
func (c *Controller) Flush() (saved int, failed int) {
	if c.store == nil {
		return 0, 0
	}
	dirty := make(map[vec.Vec3]struct{})
	for coord, ch := range c.chunks {
		if ch.Dirty {
			dirty[coord] = struct{}{}
		}
	}

	for _, coord := range sortedCoords(dirty) {
		ch := c.chunks[coord]
		if err := c.store.Save(coord, ch.Field.Data); err != nil {
			c.logger.Warn("⚠️ Не удалось сохранить чанк %v: %v", coord, err)
			c.metrics.ChunkSaveFailed()
			failed++
			continue
		}
		ch.Dirty = false
		c.metrics.ChunkSaved()
		saved++
	}
	if saved > 0 || failed > 0 {
		c.logger.Info("💾 Сохранено чанков: %d, ошибок: %d", saved, failed)
	}
	return saved, failed
}

func sortedCoords(set map[vec.Vec3]struct{}) []vec.Vec3 {
	out := make([]vec.Vec3, 0, len(set))
	for coord := range set {
		out = append(out, coord)
	}
	sortVec(out)
	return out
}

func sortVec(s []vec.Vec3) {
	sort.Slice(s, func(i, j int) bool { return s[i].Less(s[j]) })
}
