// Package eventlog - упорядоченный журнал событий повреждений с
// подпиской и воспроизведением истории. Наблюдатели, подключившиеся позже,
// получают всю историю в исходном порядке и приходят к тому же состоянию.
package eventlog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

// ErrClosed возвращается операциями над закрытым журналом
var ErrClosed = errors.New("журнал событий закрыт")

// DamageEvent описывает одно применение повреждения к объекту.
// Seq назначается журналом при добавлении и строго возрастает.
type DamageEvent struct {
	Seq         uint64     `json:"seq"`
	ID          uuid.UUID  `json:"id"`
	ObjectIndex uint64     `json:"object_index"`
	Position    mgl32.Vec3 `json:"position"`
	Radius      float32    `json:"radius"`
	Strength    float32    `json:"strength"`
	// Seed - сид события для идентичности фрагментов
	Seed      uint64    `json:"seed"`
	Timestamp time.Time `json:"timestamp"`
	// Restore - вернуть объекту исходное поле вместо повреждения
	Restore bool `json:"restore,omitempty"`
}

// Handler потребляет события строго в порядке Seq
type Handler func(ctx context.Context, ev DamageEvent)

// Subscription возвращается при подписке; позволяет отписаться.
type Subscription interface {
	Unsubscribe()
}

// Stats агрегированные счетчики журнала
type Stats struct {
	Appended    uint64
	Delivered   uint64
	Dropped     uint64
	Subscribers int
}

// Log - журнал событий повреждений. Subscribe сначала воспроизводит
// события начиная с fromSeq (0 или 1 - вся история), затем доставляет новые.
type Log interface {
	Append(ctx context.Context, ev DamageEvent) (uint64, error)
	Subscribe(ctx context.Context, fromSeq uint64, h Handler) (Subscription, error)
	Stats() Stats
	Close() error
}

//================ In-Memory implementation =================//

// MemoryLog хранит историю в памяти и доставляет события синхронно,
// в горутине вызывающего Append. Обработчик не должен вызывать Append.
type MemoryLog struct {
	// deliverMu упорядочивает доставку: воспроизведение истории новому
	// подписчику не перемешивается с живыми событиями
	deliverMu sync.Mutex

	mu          sync.RWMutex
	events      []DamageEvent
	subscribers map[int]*memSub
	nextID      int
	closed      bool
	stats       Stats
}

// NewMemoryLog создает пустой журнал в памяти
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{subscribers: make(map[int]*memSub)}
}

type memSub struct {
	log     *MemoryLog
	id      int
	ctx     context.Context
	cancel  context.CancelFunc
	handler Handler
}

func (s *memSub) Unsubscribe() {
	s.log.mu.Lock()
	if _, ok := s.log.subscribers[s.id]; ok {
		s.cancel()
		delete(s.log.subscribers, s.id)
	}
	s.log.mu.Unlock()
}

// Append назначает событию следующий номер, сохраняет его и доставляет
// всем подписчикам
func (l *MemoryLog) Append(ctx context.Context, ev DamageEvent) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}
	ev.Seq = uint64(len(l.events)) + 1
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	l.events = append(l.events, ev)
	l.stats.Appended++
	subs := make([]*memSub, 0, len(l.subscribers))
	for _, s := range l.subscribers {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	for _, s := range subs {
		l.deliver(s, ev)
	}
	return ev.Seq, nil
}

func (l *MemoryLog) deliver(s *memSub, ev DamageEvent) {
	if s.ctx.Err() != nil {
		l.mu.Lock()
		l.stats.Dropped++
		l.mu.Unlock()
		return
	}
	s.handler(s.ctx, ev)
	l.mu.Lock()
	l.stats.Delivered++
	l.mu.Unlock()
}

// Subscribe воспроизводит историю начиная с fromSeq и подписывает на новые
// события. Возврат из Subscribe означает, что история уже доставлена.
func (l *MemoryLog) Subscribe(ctx context.Context, fromSeq uint64, h Handler) (Subscription, error) {
	if h == nil {
		return nil, errors.New("обработчик не задан")
	}

	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	cctx, cancel := context.WithCancel(ctx)
	s := &memSub{log: l, id: l.nextID, ctx: cctx, cancel: cancel, handler: h}
	l.nextID++
	if fromSeq == 0 {
		fromSeq = 1
	}
	var history []DamageEvent
	if fromSeq <= uint64(len(l.events)) {
		history = append(history, l.events[fromSeq-1:]...)
	}
	l.subscribers[s.id] = s
	l.mu.Unlock()

	for _, ev := range history {
		l.deliver(s, ev)
	}
	return s, nil
}

// Events возвращает копию истории начиная с fromSeq
func (l *MemoryLog) Events(fromSeq uint64) []DamageEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if fromSeq == 0 {
		fromSeq = 1
	}
	if fromSeq > uint64(len(l.events)) {
		return nil
	}
	return append([]DamageEvent(nil), l.events[fromSeq-1:]...)
}

// Stats возвращает текущие счетчики
func (l *MemoryLog) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.stats
	s.Subscribers = len(l.subscribers)
	return s
}

// Close отписывает всех подписчиков; история остается доступной через Events
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for id, s := range l.subscribers {
		s.cancel()
		delete(l.subscribers, id)
	}
	return nil
}
