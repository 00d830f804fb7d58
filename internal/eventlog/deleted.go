package eventlog

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// DeletedHandler получает идентификатор удаленного фрагмента
type DeletedHandler func(id uuid.UUID)

// DeletedLog - параллельный журнал удаленных фрагментов. Позволяет
// наблюдателям не создавать заново фрагменты, уже удаленные на сервере.
type DeletedLog interface {
	MarkDeleted(ctx context.Context, id uuid.UUID) error
	IsDeleted(id uuid.UUID) bool
	Subscribe(ctx context.Context, h DeletedHandler) (Subscription, error)
	Close() error
}

// DeletedSet - реализация DeletedLog в памяти
type DeletedSet struct {
	deliverMu sync.Mutex

	mu       sync.RWMutex
	ids      map[uuid.UUID]struct{}
	order    []uuid.UUID
	handlers map[int]DeletedHandler
	nextID   int
	closed   bool
}

// NewDeletedSet создает пустой журнал удалений
func NewDeletedSet() *DeletedSet {
	return &DeletedSet{
		ids:      make(map[uuid.UUID]struct{}),
		handlers: make(map[int]DeletedHandler),
	}
}

// MarkDeleted добавляет идентификатор; повторная отметка игнорируется
func (d *DeletedSet) MarkDeleted(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if !d.add(id) {
		d.mu.Unlock()
		return nil
	}
	handlers := make([]DeletedHandler, 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, h)
	}
	d.mu.Unlock()

	for _, h := range handlers {
		h(id)
	}
	return nil
}

// add вызывается под d.mu
func (d *DeletedSet) add(id uuid.UUID) bool {
	if _, ok := d.ids[id]; ok {
		return false
	}
	d.ids[id] = struct{}{}
	d.order = append(d.order, id)
	return true
}

// IsDeleted проверяет, был ли фрагмент удален
func (d *DeletedSet) IsDeleted(id uuid.UUID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.ids[id]
	return ok
}

// Len возвращает число удаленных идентификаторов
func (d *DeletedSet) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

// Subscribe воспроизводит уже удаленные идентификаторы в порядке
// удаления и подписывает на новые
func (d *DeletedSet) Subscribe(ctx context.Context, h DeletedHandler) (Subscription, error) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	id := d.nextID
	d.nextID++
	d.handlers[id] = h
	history := append([]uuid.UUID(nil), d.order...)
	d.mu.Unlock()

	for _, fid := range history {
		h(fid)
	}
	return &deletedSub{set: d, id: id}, nil
}

// Close отписывает всех подписчиков
func (d *DeletedSet) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.handlers = make(map[int]DeletedHandler)
	return nil
}

type deletedSub struct {
	set *DeletedSet
	id  int
}

func (s *deletedSub) Unsubscribe() {
	s.set.mu.Lock()
	delete(s.set.handlers, s.id)
	s.set.mu.Unlock()
}
