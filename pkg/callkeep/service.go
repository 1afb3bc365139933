// Package callkeep управляет жизненным циклом звонков self-managed провайдера.
//
// Service принимает команды приложения и события провайдера, применяет их
// к сессиям через машину состояний и уведомляет противоположную сторону.
// Команды одной сессии строго последовательны, разные сессии независимы.
//
// Пример:
//
//	svc := callkeep.New(callkeep.WithPrimitive(primitive), callkeep.WithLogger(log))
//	defer svc.Close(ctx)
//	if err := svc.RegisterProvider(ctx, "MyApp", true); err != nil {
//	    return err
//	}
//	svc.SetListener(ctx, listener)
//	err := svc.PlaceOutgoing(ctx, callID, "+15551234", "", "number", false)
package callkeep

import (
	"context"
	"errors"
	"fmt"

	"github.com/arzzra/callkeep/pkg/dispatch"
	"github.com/arzzra/callkeep/pkg/logger"
	"github.com/arzzra/callkeep/pkg/metrics"
	"github.com/arzzra/callkeep/pkg/provider"
	"github.com/arzzra/callkeep/pkg/session"
)

type options struct {
	logger     logger.StructuredLogger
	metrics    *metrics.Collector
	primitive  provider.Primitive
	tombstones int
	dispatch   dispatch.Config
}

// Option опция сервиса
type Option func(*options)

// WithLogger задает логгер сервиса и его компонентов
func WithLogger(l logger.StructuredLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics задает сборщик метрик
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithPrimitive задает телефонный примитив ОС
func WithPrimitive(p provider.Primitive) Option {
	return func(o *options) { o.primitive = p }
}

// WithTombstones задает, сколько завершенных id помнить для диагностики
func WithTombstones(n int) Option {
	return func(o *options) { o.tombstones = n }
}

// WithDispatchConfig задает конфигурацию диспетчера уведомлений
func WithDispatchConfig(cfg dispatch.Config) Option {
	return func(o *options) { o.dispatch = cfg }
}

// Service сервис управления звонками
type Service struct {
	logger  logger.StructuredLogger
	metrics *metrics.Collector

	store      *session.Store
	machine    *session.Machine
	adapter    *provider.Adapter
	dispatcher *dispatch.Dispatcher
}

// New создает сервис. Без WithPrimitive все команды к провайдеру
// возвращают ErrProviderUnavailable.
func New(opts ...Option) *Service {
	o := options{
		logger:   logger.GetDefaultLogger(),
		dispatch: dispatch.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.NoOpLogger{}
	}

	s := &Service{
		logger:  o.logger.WithComponent("callkeep"),
		metrics: o.metrics,
		store:   session.NewStore(o.tombstones),
	}
	s.adapter = provider.NewAdapter(o.primitive, provider.WithLogger(o.logger))
	s.dispatcher = dispatch.New(o.dispatch,
		dispatch.WithLogger(o.logger),
		dispatch.WithMetrics(o.metrics))
	s.machine = session.NewMachine(s.store, effects{s},
		session.WithLogger(o.logger),
		session.WithMetrics(o.metrics))
	s.adapter.SetSink(sink{s})
	return s
}

// SetListener подключает слушателя уведомлений приложения.
// Уведомления, накопленные до подключения, приходят одним loadedWithEvents.
func (s *Service) SetListener(ctx context.Context, l dispatch.Listener) error {
	return s.dispatcher.SetListener(ctx, l)
}

// Session возвращает копию сессии
func (s *Service) Session(id string) (session.CallSession, error) {
	return s.store.Get(id)
}

// Sessions возвращает копии отслеживаемых сессий в порядке создания
func (s *Service) Sessions() []session.CallSession {
	return s.store.ListActive()
}

// DispatchStats счетчики доставки уведомлений
func (s *Service) DispatchStats() dispatch.Stats {
	return s.dispatcher.Stats()
}

// Sync ждет, пока будут применены все поставленные события провайдера.
// Обратные вызовы примитива обрабатываются асинхронно, по порядку внутри сессии.
func (s *Service) Sync(ctx context.Context) error {
	return s.adapter.Sync(ctx)
}

// Close дожидается обработки событий провайдера, затем останавливает
// доставку уведомлений. Сессии не завершаются, для этого используется EndAll.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if err := s.adapter.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("очередь событий провайдера: %w", err))
	}
	if err := s.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("диспетчер уведомлений: %w", err))
	}
	return errors.Join(errs...)
}

// publish отправляет уведомление, сбой доставки только логируется
func (s *Service) publish(ctx context.Context, n dispatch.Notification) {
	if err := s.dispatcher.Publish(ctx, n); err != nil {
		s.logger.Warn(ctx, "уведомление не поставлено в очередь",
			logger.String("kind", string(n.Kind)),
			logger.String("session_id", n.SessionID),
			logger.Err(err))
	}
}

// effects связывает машину состояний с адаптером и диспетчером
type effects struct {
	s *Service
}

func (e effects) Perform(ctx context.Context, cmd session.Command, cs session.CallSession, ev session.Event) error {
	return e.s.adapter.Perform(ctx, cmd, cs, ev)
}

func (e effects) Committed(ctx context.Context, tr session.Transition) {
	if tr.Removed {
		e.s.adapter.Forget(tr.Session.ID)
	}
	if n, ok := dispatch.FromTransition(tr); ok {
		e.s.publish(ctx, n)
	}
}
