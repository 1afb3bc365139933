package session

import (
	"context"
	"fmt"

	"github.com/arzzra/callkeep/pkg/logger"
	"github.com/arzzra/callkeep/pkg/metrics"
)

// Transition зафиксированный переход сессии
type Transition struct {
	// Session снимок после перехода
	Session CallSession
	From    State
	To      State
	Event   Event
	Notice  Notice
	Command Command
	// Removed сессия удалена из хранилища этим переходом
	Removed bool
}

// Effects внешние действия машины состояний.
//
// Perform выполняет команду провайдеру ДО фиксации перехода; ошибка отменяет переход.
// Committed вызывается после фиксации, пока переходы этой сессии сериализованы,
// поэтому порядок вызовов Committed совпадает с порядком переходов сессии.
type Effects interface {
	Perform(ctx context.Context, cmd Command, s CallSession, ev Event) error
	Committed(ctx context.Context, tr Transition)
}

// Resolver выбирает событие по текущему снимку сессии.
// Вызывается под op-блокировкой сессии.
type Resolver func(s CallSession) (Event, error)

// Fixed резолвер, всегда возвращающий одно событие
func Fixed(ev Event) Resolver {
	return func(CallSession) (Event, error) { return ev, nil }
}

// Machine применяет события к сессиям хранилища по таблице переходов
type Machine struct {
	store   *Store
	effects Effects
	logger  logger.StructuredLogger
	metrics *metrics.Collector
}

// MachineOption опция машины состояний
type MachineOption func(*Machine)

// WithLogger задает логгер машины
func WithLogger(l logger.StructuredLogger) MachineOption {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics задает сборщик метрик, nil отключает метрики
func WithMetrics(c *metrics.Collector) MachineOption {
	return func(m *Machine) { m.metrics = c }
}

type noEffects struct{}

func (noEffects) Perform(context.Context, Command, CallSession, Event) error { return nil }
func (noEffects) Committed(context.Context, Transition)                      {}

// NewMachine создает машину состояний над хранилищем.
// effects == nil означает отсутствие внешних действий.
func NewMachine(store *Store, effects Effects, opts ...MachineOption) *Machine {
	if effects == nil {
		effects = noEffects{}
	}
	m := &Machine{
		store:   store,
		effects: effects,
		logger:  logger.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("session")
	return m
}

// Store возвращает хранилище машины
func (m *Machine) Store() *Store {
	return m.store
}

// Create создает сессию и выполняет начальный переход направления.
//
// Запись резервируется до вызова провайдера: дубль id отклоняется сразу,
// а читатели не видят сессию, пока переход не зафиксирован.
func (m *Machine) Create(ctx context.Context, ns NewSession, origin Origin) (CallSession, error) {
	kind := EventIncomingOffered
	if ns.Direction == DirectionOutgoing {
		kind = EventOutgoingRequested
	}
	ev := Event{Kind: kind, Origin: origin}

	e, err := m.store.reserve(ns)
	if err != nil {
		m.metrics.TransitionError(string(kind), string(CodeOf(err)))
		return CallSession{}, err
	}
	defer e.op.Unlock()

	rule, _ := RuleFor(kind)
	before := e.snapshot()
	cmd := rule.CommandFor(origin)

	if err := m.perform(ctx, cmd, before, ev); err != nil {
		m.store.discard(e)
		return CallSession{}, err
	}

	e.mu.Lock()
	err = fire(e.machine, kind)
	e.mu.Unlock()
	if err != nil {
		m.store.discard(e)
		return CallSession{}, fmt.Errorf("начальный переход %s: %w", kind, err)
	}

	m.store.publish(e)
	after := e.snapshot()
	m.metrics.SessionCreated(after.Direction.String())
	m.metrics.Transition(string(kind), before.State.String(), after.State.String())

	m.logger.Info(ctx, "сессия создана",
		logger.String("session_id", after.ID),
		logger.String("direction", after.Direction.String()),
		logger.String("origin", origin.String()),
		logger.String("state", after.State.String()))

	// Зафиксированный переход уведомляется даже при отмененном ctx
	m.effects.Committed(context.WithoutCancel(ctx), Transition{
		Session: after,
		From:    before.State,
		To:      after.State,
		Event:   ev,
		Notice:  rule.Notice,
		Command: cmd,
	})
	return after, nil
}

// Apply применяет событие, выбранное резолвером, к сессии id.
//
// Переходы одной сессии строго последовательны. Ошибка означает, что состояние
// не изменилось и уведомление не отправлено. Если сессия еще создается,
// Apply ждет завершения Create.
func (m *Machine) Apply(ctx context.Context, id string, resolve Resolver) (CallSession, error) {
	// Резерв тоже подходит: событие, пришедшее во время Create, ждет его исхода
	e, err := m.store.acquire(id)
	if err != nil {
		m.metrics.TransitionError("lookup", string(CodeNotFound))
		return CallSession{}, err
	}

	e.op.Lock()
	defer e.op.Unlock()

	// Сессия могла завершиться или не создаться, пока ждали блокировку
	if e.isGone() {
		m.metrics.TransitionError("lookup", string(CodeNotFound))
		return CallSession{}, errNotFound(id, m.store.ended(id))
	}

	before := e.snapshot()
	ev, err := resolve(before)
	if err != nil {
		m.metrics.TransitionError("resolve", string(CodeOf(err)))
		return CallSession{}, err
	}

	rule, ok := RuleFor(ev.Kind)
	if !ok || !rule.Allows(before.State) || !e.machine.Can(string(ev.Kind)) {
		m.metrics.TransitionError(string(ev.Kind), string(CodeInvalidTransition))
		m.logger.Debug(ctx, "событие отклонено",
			logger.String("session_id", id),
			logger.String("event", string(ev.Kind)),
			logger.String("state", before.State.String()))
		return CallSession{}, errInvalidTransition(id, before.State, ev.Kind)
	}

	cmd := rule.CommandFor(ev.Origin)
	if err := m.perform(ctx, cmd, before, ev); err != nil {
		return CallSession{}, err
	}

	e.mu.Lock()
	if err := fire(e.machine, ev.Kind); err != nil {
		e.mu.Unlock()
		return CallSession{}, fmt.Errorf("переход %s из %s: %w", ev.Kind, before.State, err)
	}
	applyPayload(&e.data, ev)
	e.mu.Unlock()

	after := e.snapshot()
	removed := after.State.IsTerminal()
	if removed {
		m.store.purge(e)
		m.metrics.SessionEnded(after.CreatedAt)
	}
	m.metrics.Transition(string(ev.Kind), before.State.String(), after.State.String())

	m.logger.Debug(ctx, "переход выполнен",
		logger.String("session_id", id),
		logger.String("event", string(ev.Kind)),
		logger.String("origin", ev.Origin.String()),
		logger.String("from", before.State.String()),
		logger.String("to", after.State.String()))

	m.effects.Committed(context.WithoutCancel(ctx), Transition{
		Session: after,
		From:    before.State,
		To:      after.State,
		Event:   ev,
		Notice:  rule.Notice,
		Command: cmd,
		Removed: removed,
	})
	return after, nil
}

// perform выполняет команду провайдеру, CommandNone ничего не делает
func (m *Machine) perform(ctx context.Context, cmd Command, s CallSession, ev Event) error {
	if cmd == CommandNone {
		return nil
	}
	err := m.effects.Perform(ctx, cmd, s, ev)
	m.metrics.ProviderCommand(cmd.String(), err)
	if err != nil {
		m.metrics.TransitionError(string(ev.Kind), string(CodeOf(err)))
		m.logger.Warn(ctx, "команда провайдеру не выполнена",
			logger.String("session_id", s.ID),
			logger.String("command", cmd.String()),
			logger.String("event", string(ev.Kind)),
			logger.Err(err))
	}
	return err
}

func applyPayload(data *CallSession, ev Event) {
	switch ev.Kind {
	case EventSetMuted:
		data.Muted = ev.Muted
	case EventUpdateDisplay:
		if ev.DisplayName != "" {
			data.DisplayName = ev.DisplayName
		}
		if ev.Address != nil {
			data.Address = *ev.Address
		}
	}
}
