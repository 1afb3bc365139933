// Package dispatch доставляет уведомления ядра звонков приложению.
//
// Уведомления одной сессии доставляются строго в порядке публикации:
// сессия закреплена за воркером по хэшу id. Уведомления разных сессий
// могут чередоваться. Ошибки слушателя логируются и считаются, но не
// откатывают состояние сессий.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/arzzra/callkeep/pkg/logger"
	"github.com/arzzra/callkeep/pkg/metrics"
)

// ErrClosed диспетчер закрыт
var ErrClosed = errors.New("диспетчер уведомлений закрыт")

// Config конфигурация диспетчера
type Config struct {
	// Workers количество воркеров доставки
	Workers int
	// QueueSize размер очереди каждого воркера
	QueueSize int
	// DelayedLimit сколько уведомлений хранить, пока слушатель не подключен
	DelayedLimit int
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Workers:      8,
		QueueSize:    256,
		DelayedLimit: 128,
	}
}

// Option опция диспетчера
type Option func(*Dispatcher)

// WithLogger задает логгер диспетчера
func WithLogger(l logger.StructuredLogger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics задает сборщик метрик
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = c }
}

// Stats счетчики диспетчера
type Stats struct {
	Published int64
	Delivered int64
	Failed    int64
	Dropped   int64
	Delayed   int
}

// Dispatcher упорядоченная доставка уведомлений слушателю
type Dispatcher struct {
	cfg     Config
	logger  logger.StructuredLogger
	metrics *metrics.Collector

	// lmu: RLock у публикующих, Lock у смены слушателя и закрытия.
	// Воркеры lmu не берут, поэтому отправка в очередь всегда разблокируется.
	lmu    sync.RWMutex
	closed bool

	// dmu защищает буфер отложенных; listener меняется под lmu и dmu
	dmu      sync.Mutex
	listener Listener
	delayed  []Notification

	queues []chan Notification
	wg     sync.WaitGroup

	published int64
	delivered int64
	failed    int64
	dropped   int64
}

// New создает и запускает диспетчер
func New(cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DelayedLimit <= 0 {
		cfg.DelayedLimit = def.DelayedLimit
	}

	d := &Dispatcher{
		cfg:    cfg,
		logger: logger.NoOpLogger{},
		queues: make([]chan Notification, cfg.Workers),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithComponent("dispatch")

	for i := range d.queues {
		d.queues[i] = make(chan Notification, cfg.QueueSize)
		d.wg.Add(1)
		go d.run(d.queues[i])
	}
	return d
}

func (d *Dispatcher) queueFor(sessionID string) chan Notification {
	hasher := fnv.New32a()
	hasher.Write([]byte(sessionID))
	return d.queues[hasher.Sum32()%uint32(len(d.queues))]
}

// Publish ставит уведомление в очередь сессии.
// Без слушателя уведомление попадает в буфер отложенных.
// При заполненной очереди Publish ждет освобождения места.
func (d *Dispatcher) Publish(ctx context.Context, n Notification) error {
	// КРИТИЧНО: отправка под RLock, чтобы Close не закрыл канал во время отправки
	d.lmu.RLock()
	defer d.lmu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	d.dmu.Lock()
	if d.listener == nil {
		d.pushDelayed(ctx, n)
		d.dmu.Unlock()
		return nil
	}
	d.dmu.Unlock()

	atomic.AddInt64(&d.published, 1)
	d.queueFor(n.SessionID) <- n
	return nil
}

// pushDelayed вызывается под dmu
func (d *Dispatcher) pushDelayed(ctx context.Context, n Notification) {
	if len(d.delayed) >= d.cfg.DelayedLimit {
		dropped := d.delayed[0]
		d.delayed = d.delayed[1:]
		atomic.AddInt64(&d.dropped, 1)
		d.metrics.DelayedDropped()
		d.logger.Warn(ctx, "отложенное уведомление вытеснено",
			logger.String("kind", string(dropped.Kind)),
			logger.String("session_id", dropped.SessionID),
			logger.Int("limit", d.cfg.DelayedLimit))
	}
	d.delayed = append(d.delayed, n)
}

// SetListener подключает слушателя. Если до этого накопились уведомления,
// слушатель сначала синхронно получает одно loadedWithEvents с ними.
// nil отключает слушателя, новые уведомления снова копятся в буфере.
func (d *Dispatcher) SetListener(ctx context.Context, l Listener) error {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	if d.closed {
		return ErrClosed
	}

	d.dmu.Lock()
	d.listener = l
	var pending []Notification
	if l != nil {
		pending = d.delayed
		d.delayed = nil
	}
	d.dmu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	loaded := NewNotification(KindLoadedWithEvents, "")
	loaded.Events = pending

	// Под lmu: живые уведомления не обгонят накопленные
	d.deliver(ctx, l, loaded)
	return nil
}

// Delayed количество накопленных уведомлений
func (d *Dispatcher) Delayed() int {
	d.dmu.Lock()
	defer d.dmu.Unlock()
	return len(d.delayed)
}

func (d *Dispatcher) run(queue chan Notification) {
	defer d.wg.Done()
	ctx := context.Background()
	for n := range queue {
		d.dmu.Lock()
		l := d.listener
		if l == nil {
			// Слушатель отключен, пока уведомление ждало в очереди
			d.pushDelayed(ctx, n)
		}
		d.dmu.Unlock()

		if l != nil {
			d.deliver(ctx, l, n)
		}
	}
}

// deliver вызывает слушателя с защитой от паник
func (d *Dispatcher) deliver(ctx context.Context, l Listener, n Notification) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("паника в слушателе: %v\n%s", r, debug.Stack())
			}
		}()
		return l.Notify(ctx, n)
	}()

	if err != nil {
		atomic.AddInt64(&d.failed, 1)
		d.metrics.NotificationFailed(string(n.Kind))
		d.logger.LogError(ctx, err, "слушатель не принял уведомление",
			logger.String("kind", string(n.Kind)),
			logger.String("session_id", n.SessionID),
			logger.String("notification_id", n.ID))
		return
	}
	atomic.AddInt64(&d.delivered, 1)
	d.metrics.Notification(string(n.Kind))
}

// Stats возвращает счетчики диспетчера
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Published: atomic.LoadInt64(&d.published),
		Delivered: atomic.LoadInt64(&d.delivered),
		Failed:    atomic.LoadInt64(&d.failed),
		Dropped:   atomic.LoadInt64(&d.dropped),
		Delayed:   d.Delayed(),
	}
}

// Close прекращает прием уведомлений и дожидается доставки очередей.
// Повторный вызов безопасен.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.lmu.Lock()
	if !d.closed {
		d.closed = true
		for _, q := range d.queues {
			close(q)
		}
	}
	d.lmu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ожидание доставки уведомлений: %w", ctx.Err())
	}
}
