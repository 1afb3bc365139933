// Package metrics собирает Prometheus метрики ядра звонков.
//
// Collector с nil-получателем или выключенный через конфигурацию является
// валидной заглушкой: все методы становятся no-op.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config конфигурация системы метрик
type Config struct {
	// Enabled включает/выключает сбор метрик
	Enabled bool

	// Namespace префикс для Prometheus метрик
	Namespace string

	// Subsystem подсистема для Prometheus метрик
	Subsystem string

	// Registerer куда регистрировать метрики, по умолчанию prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Namespace: "callkeep",
		Subsystem: "sessions",
	}
}

// Collector собирает и экспортирует метрики сессий, переходов и уведомлений
type Collector struct {
	enabled bool

	sessionsCreated      *prometheus.CounterVec
	sessionsActive       prometheus.Gauge
	sessionDuration      prometheus.Histogram
	transitions          *prometheus.CounterVec
	transitionErrors     *prometheus.CounterVec
	providerCommands     *prometheus.CounterVec
	notifications        *prometheus.CounterVec
	notificationFailures *prometheus.CounterVec
	delayedDropped       prometheus.Counter
	videoMismatches      prometheus.Counter

	// Счетчики для быстрой диагностики без обращения к реестру
	totalTransitions int64
	totalErrors      int64
}

// NewCollector создает сборщик метрик
func NewCollector(cfg Config) *Collector {
	if !cfg.Enabled {
		return &Collector{enabled: false}
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	ns, sub := cfg.Namespace, cfg.Subsystem

	return &Collector{
		enabled: true,
		sessionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "created_total",
			Help: "Total number of call sessions created",
		}, []string{"direction"}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "active",
			Help: "Number of currently tracked call sessions",
		}),
		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "duration_seconds",
			Help:    "Lifetime of call sessions from creation to disconnect",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 1800, 3600}, // от 1s до 1 часа
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "transitions_total",
			Help: "Total number of committed session state transitions",
		}, []string{"event", "from_state", "to_state"}),
		transitionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "transition_errors_total",
			Help: "Total number of rejected session events by error code",
		}, []string{"event", "code"}),
		providerCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "provider_commands_total",
			Help: "Total number of commands sent to the telephony provider",
		}, []string{"command", "result"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "notifications_total",
			Help: "Total number of notifications delivered to the application",
		}, []string{"kind"}),
		notificationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "notification_failures_total",
			Help: "Total number of notifications the application listener failed to accept",
		}, []string{"kind"}),
		delayedDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "delayed_notifications_dropped_total",
			Help: "Notifications dropped from the buffer used while no listener is attached",
		}),
		videoMismatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "video_mismatches_total",
			Help: "Negotiated media whose video presence differs from the session video flag",
		}),
	}
}

func (c *Collector) on() bool {
	return c != nil && c.enabled
}

// SessionCreated уведомляет о создании сессии
func (c *Collector) SessionCreated(direction string) {
	if !c.on() {
		return
	}
	c.sessionsCreated.WithLabelValues(direction).Inc()
	c.sessionsActive.Inc()
}

// SessionEnded уведомляет об удалении сессии из хранилища
func (c *Collector) SessionEnded(createdAt time.Time) {
	if !c.on() {
		return
	}
	c.sessionsActive.Dec()
	if !createdAt.IsZero() {
		c.sessionDuration.Observe(time.Since(createdAt).Seconds())
	}
}

// Transition уведомляет о зафиксированном переходе
func (c *Collector) Transition(event, from, to string) {
	if !c.on() {
		return
	}
	c.transitions.WithLabelValues(event, from, to).Inc()
	atomic.AddInt64(&c.totalTransitions, 1)
}

// TransitionError уведомляет об отклоненном событии
func (c *Collector) TransitionError(event, code string) {
	if !c.on() {
		return
	}
	c.transitionErrors.WithLabelValues(event, code).Inc()
	atomic.AddInt64(&c.totalErrors, 1)
}

// ProviderCommand уведомляет о команде провайдеру
func (c *Collector) ProviderCommand(command string, err error) {
	if !c.on() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.providerCommands.WithLabelValues(command, result).Inc()
}

// Notification уведомляет о доставленном уведомлении
func (c *Collector) Notification(kind string) {
	if !c.on() {
		return
	}
	c.notifications.WithLabelValues(kind).Inc()
}

// NotificationFailed уведомляет о неудачной доставке
func (c *Collector) NotificationFailed(kind string) {
	if !c.on() {
		return
	}
	c.notificationFailures.WithLabelValues(kind).Inc()
}

// DelayedDropped уведомляет о вытеснении отложенного уведомления
func (c *Collector) DelayedDropped() {
	if !c.on() {
		return
	}
	c.delayedDropped.Inc()
}

// VideoMismatch уведомляет о расхождении согласованного видео с флагом сессии
func (c *Collector) VideoMismatch() {
	if !c.on() {
		return
	}
	c.videoMismatches.Inc()
}

// Stats быстрые счетчики для диагностики
type Stats struct {
	Transitions int64
	Errors      int64
}

// GetStats возвращает быстрые счетчики
func (c *Collector) GetStats() Stats {
	if !c.on() {
		return Stats{}
	}
	return Stats{
		Transitions: atomic.LoadInt64(&c.totalTransitions),
		Errors:      atomic.LoadInt64(&c.totalErrors),
	}
}
