package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/voxelcarve/internal/logging"
	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
)

const (
	// SubjectDamage - subject событий повреждений
	SubjectDamage = "voxel.damage"
	// SubjectDeleted - subject удаленных фрагментов
	SubjectDeleted = "voxel.deleted"
)

// JetStreamLog реализует Log поверх NATS JetStream. Номер события -
// порядковый номер сообщения в стриме, поэтому воспроизведение с fromSeq
// соответствует DeliverByStartSequence.
type JetStreamLog struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
	logger *logging.Logger

	appended  uint64
	delivered uint64
	dropped   uint64
	subs      int64

	deleted *JetStreamDeletedLog
}

// NewJetStreamLog подключается к кластеру NATS и гарантирует наличие стрима.
// url: nats://127.0.0.1:4222, stream: "VOXEL_DAMAGE".
func NewJetStreamLog(url, stream string, retention time.Duration, logger *logging.Logger) (*JetStreamLog, error) {
	if stream == "" {
		stream = "VOXEL_DAMAGE"
	}
	if logger == nil {
		logger = logging.Nop()
	}

	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Drain()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	// Стрим хранит оба журнала: повреждения и удаления
	_, err = js.StreamInfo(stream)
	if err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      stream,
			Subjects:  []string{SubjectDamage, SubjectDeleted},
			Retention: nats.LimitsPolicy,
			MaxAge:    retention,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			nc.Drain()
			return nil, fmt.Errorf("add stream: %w", err)
		}
	}

	logger.Info("📡 Журнал событий JetStream подключен: %s, стрим %s", url, stream)
	return &JetStreamLog{nc: nc, js: js, stream: stream, logger: logger}, nil
}

// Append сериализует событие в JSON и публикует в SubjectDamage
func (jl *JetStreamLog) Append(ctx context.Context, ev DamageEvent) (uint64, error) {
	if jl.nc.IsClosed() {
		return 0, ErrClosed
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Seq = 0
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}
	ack, err := jl.js.Publish(SubjectDamage, data, nats.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", SubjectDamage, err)
	}
	atomic.AddUint64(&jl.appended, 1)
	return ack.Sequence, nil
}

// Subscribe создает упорядоченный эфемерный consumer начиная с fromSeq.
// Обработчик вызывается из горутины клиента NATS последовательно.
func (jl *JetStreamLog) Subscribe(ctx context.Context, fromSeq uint64, h Handler) (Subscription, error) {
	start := nats.DeliverAll()
	if fromSeq > 1 {
		start = nats.StartSequence(fromSeq)
	}

	natSub, err := jl.js.Subscribe(SubjectDamage, func(msg *nats.Msg) {
		var ev DamageEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			atomic.AddUint64(&jl.dropped, 1)
			jl.logger.Warn("⚠️ Не удалось разобрать событие повреждения: %v", err)
			return
		}
		if md, err := msg.Metadata(); err == nil {
			ev.Seq = md.Sequence.Stream
		}
		if ctx.Err() != nil {
			atomic.AddUint64(&jl.dropped, 1)
			return
		}
		h(ctx, ev)
		atomic.AddUint64(&jl.delivered, 1)
	}, nats.OrderedConsumer(), start)
	if err != nil {
		return nil, err
	}

	atomic.AddInt64(&jl.subs, 1)
	return &jetSub{s: natSub, count: &jl.subs}, nil
}

// jetSub обёртка вокруг *nats.Subscription чтобы удовлетворить наш интерфейс.
type jetSub struct {
	s     *nats.Subscription
	count *int64
	once  sync.Once
}

func (j *jetSub) Unsubscribe() {
	j.once.Do(func() {
		_ = j.s.Unsubscribe()
		if j.count != nil {
			atomic.AddInt64(j.count, -1)
		}
	})
}

// Stats возвращает текущие метрики.
func (jl *JetStreamLog) Stats() Stats {
	return Stats{
		Appended:    atomic.LoadUint64(&jl.appended),
		Delivered:   atomic.LoadUint64(&jl.delivered),
		Dropped:     atomic.LoadUint64(&jl.dropped),
		Subscribers: int(atomic.LoadInt64(&jl.subs)),
	}
}

// Deleted возвращает журнал удалений на том же подключении. Локальное
// множество наполняется подпиской с начала стрима.
func (jl *JetStreamLog) Deleted(ctx context.Context) (*JetStreamDeletedLog, error) {
	if jl.deleted != nil {
		return jl.deleted, nil
	}
	d := &JetStreamDeletedLog{js: jl.js, local: NewDeletedSet(), logger: jl.logger}
	sub, err := jl.js.Subscribe(SubjectDeleted, func(msg *nats.Msg) {
		id, err := uuid.ParseBytes(msg.Data)
		if err != nil {
			jl.logger.Warn("⚠️ Некорректный идентификатор удаленного фрагмента: %v", err)
			return
		}
		_ = d.local.MarkDeleted(ctx, id)
	}, nats.OrderedConsumer(), nats.DeliverAll())
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", SubjectDeleted, err)
	}
	d.sub = sub
	jl.deleted = d
	return d, nil
}

// Close закрывает подключение, дожидаясь доставки
func (jl *JetStreamLog) Close() error {
	if jl.deleted != nil {
		_ = jl.deleted.Close()
	}
	if jl.nc.IsClosed() {
		return nil
	}
	return jl.nc.Drain()
}

// JetStreamDeletedLog реализует DeletedLog поверх SubjectDeleted
type JetStreamDeletedLog struct {
	js     nats.JetStreamContext
	local  *DeletedSet
	sub    *nats.Subscription
	logger *logging.Logger
}

// MarkDeleted публикует идентификатор и сразу отмечает его локально
func (d *JetStreamDeletedLog) MarkDeleted(ctx context.Context, id uuid.UUID) error {
	if d.local.IsDeleted(id) {
		return nil
	}
	if _, err := d.js.Publish(SubjectDeleted, []byte(id.String()), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", SubjectDeleted, err)
	}
	return d.local.MarkDeleted(ctx, id)
}

// IsDeleted проверяет локальное множество
func (d *JetStreamDeletedLog) IsDeleted(id uuid.UUID) bool {
	return d.local.IsDeleted(id)
}

// Subscribe подписывает на удаления (история воспроизводится из локального множества)
func (d *JetStreamDeletedLog) Subscribe(ctx context.Context, h DeletedHandler) (Subscription, error) {
	return d.local.Subscribe(ctx, h)
}

// Close отписывается от стрима удалений
func (d *JetStreamDeletedLog) Close() error {
	if d.sub != nil {
		_ = d.sub.Unsubscribe()
	}
	return d.local.Close()
}
