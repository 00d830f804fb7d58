package streaming

import (
	"sort"
	"sync"

	"github.com/annel0/voxelcarve/internal/logging"
	"github.com/annel0/voxelcarve/internal/sdf"
	"github.com/annel0/voxelcarve/internal/vec"
)

// ViewFactory создает представление для нового наблюдателя
type ViewFactory func(observer string) *View

// LocalSink доставляет чанки представлениям наблюдателей в том же процессе
type LocalSink struct {
	mu      sync.Mutex
	views   map[string]*View
	factory ViewFactory
	logger  *logging.Logger
}

// NewLocalSink создает локальную доставку
func NewLocalSink(factory ViewFactory, logger *logging.Logger) *LocalSink {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LocalSink{views: make(map[string]*View), factory: factory, logger: logger}
}

func (s *LocalSink) view(observer string) *View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.views[observer]
	if !ok {
		v = s.factory(observer)
		s.views[observer] = v
	}
	return v
}

// LoadChunk строит меш чанка в представлении наблюдателя
func (s *LocalSink) LoadChunk(observer string, coord vec.Vec3, field *sdf.Field) {
	if _, err := s.view(observer).BuildChunk(coord, field); err != nil {
		s.logger.Error("❌ Наблюдатель %s: %v", observer, err)
	}
}

// UnloadChunk выгружает чанк из представления наблюдателя
func (s *LocalSink) UnloadChunk(observer string, coord vec.Vec3) {
	s.view(observer).ReleaseChunk(coord)
}

// View возвращает представление наблюдателя
func (s *LocalSink) View(observer string) (*View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.views[observer]
	return v, ok
}

// Observers возвращает имена наблюдателей с представлениями
func (s *LocalSink) Observers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.views))
	for id := range s.views {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
