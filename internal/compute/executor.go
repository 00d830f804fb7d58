// Package compute предоставляет параллельное вычислительное устройство:
// пакетные задания над N независимыми индексами с опрашиваемым
// признаком завершения.
package compute

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/alitto/pond/v2"
)

// Kernel вычисляет один независимый элемент выхода по индексу.
// Ядро должно читать только неизменяемые входные данные и писать
// только в ячейку своего индекса.
type Kernel func(i int)

// Executor запускает ядро над диапазоном [0, n)
type Executor interface {
	Dispatch(n int, kernel Kernel) *Job
}

// Job - handle асинхронного задания. Результат нельзя читать, пока Ready() == false.
type Job struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newJob() *Job {
	return &Job{done: make(chan struct{})}
}

func (j *Job) finish(err error) {
	j.once.Do(func() {
		j.err = err
		close(j.done)
	})
}

// Ready неблокирующе проверяет завершение задания
func (j *Job) Ready() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// Wait блокируется до завершения задания и возвращает его ошибку
func (j *Job) Wait() error {
	<-j.done
	return j.err
}

// Err возвращает ошибку завершенного задания (nil, если задание еще идет)
func (j *Job) Err() error {
	if !j.Ready() {
		return nil
	}
	return j.err
}

// Completed возвращает уже завершенное задание
func Completed(err error) *Job {
	j := newJob()
	j.finish(err)
	return j
}

// Run синхронно выполняет ядро на исполнителе
func Run(exec Executor, n int, kernel Kernel) error {
	return exec.Dispatch(n, kernel).Wait()
}

// PoolExecutor распределяет задания по пулу воркеров pond пачками
// фиксированного размера.
type PoolExecutor struct {
	pool      pond.Pool
	batchSize int
}

// NewPool создает пул; workers <= 0 означает по числу CPU
func NewPool(workers, batchSize int) *PoolExecutor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if batchSize <= 0 {
		batchSize = 256
	}
	return &PoolExecutor{
		pool:      pond.NewPool(workers),
		batchSize: batchSize,
	}
}

// Dispatch разбивает [0, n) на пачки и отправляет их в пул
func (p *PoolExecutor) Dispatch(n int, kernel Kernel) *Job {
	if n <= 0 {
		return Completed(nil)
	}

	job := newJob()
	group := p.pool.NewGroup()
	for start := 0; start < n; start += p.batchSize {
		start, end := start, min(start+p.batchSize, n)
		group.Submit(func() {
			for i := start; i < end; i++ {
				kernel(i)
			}
		})
	}

	go func() {
		if err := group.Wait(); err != nil {
			job.finish(fmt.Errorf("ошибка выполнения задания: %w", err))
			return
		}
		job.finish(nil)
	}()
	return job
}

// Workers возвращает максимальное число параллельных воркеров
func (p *PoolExecutor) Workers() int {
	return p.pool.MaxConcurrency()
}

// Stop дожидается завершения всех отправленных заданий и останавливает пул
func (p *PoolExecutor) Stop() {
	p.pool.StopAndWait()
}

// Inline выполняет ядра синхронно в вызывающей горутине (тесты, отладка)
type Inline struct{}

// Dispatch выполняет ядро сразу; возвращаемое задание уже завершено
func (Inline) Dispatch(n int, kernel Kernel) (job *Job) {
	defer func() {
		if r := recover(); r != nil {
			job = Completed(fmt.Errorf("паника в ядре: %v", r))
		}
	}()
	for i := 0; i < n; i++ {
		kernel(i)
	}
	return Completed(nil)
}

// Deferred удерживает задания незавершенными до вызова Release.
// Позволяет тестировать опрос готовности без реальной асинхронности.
type Deferred struct {
	mu      sync.Mutex
	pending []deferredJob
}

type deferredJob struct {
	job    *Job
	n      int
	kernel Kernel
}

// Dispatch ставит задание в очередь без выполнения
func (d *Deferred) Dispatch(n int, kernel Kernel) *Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	job := newJob()
	d.pending = append(d.pending, deferredJob{job: job, n: n, kernel: kernel})
	return job
}

// Pending возвращает число невыполненных заданий
func (d *Deferred) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Release выполняет и завершает все ожидающие задания
func (d *Deferred) Release() {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, p := range pending {
		done := Inline{}.Dispatch(p.n, p.kernel)
		p.job.finish(done.Err())
	}
}

// ErrNilExecutor возвращается, когда вычислительное устройство не передано
var ErrNilExecutor = errors.New("вычислительное устройство недоступно")
