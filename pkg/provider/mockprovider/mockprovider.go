// Package mockprovider содержит примитив телефонии в памяти для тестов и демо.
package mockprovider

import (
	"context"
	"fmt"
	"sync"

	"github.com/arzzra/callkeep/pkg/provider"
	"github.com/arzzra/callkeep/pkg/session"
)

// Call запись о вызове примитива
type Call struct {
	SessionID string
	Method    string
	Arg       string
}

// Primitive примитив в памяти, реализующий все необязательные возможности.
// Ошибки методов задаются через Fail.
type Primitive struct {
	mu          sync.Mutex
	callbacks   provider.Callbacks
	info        provider.ProviderInfo
	calls       []Call
	conns       map[string]*Connection
	failures    map[string]error
	permissions bool
	available   bool
	inCall      bool
	hook        func(sessionID, method string)
}

var (
	_ provider.Primitive           = (*Primitive)(nil)
	_ provider.AvailabilityToggler = (*Primitive)(nil)
	_ provider.PermissionChecker   = (*Primitive)(nil)
	_ provider.InCallReporter      = (*Primitive)(nil)
	_ provider.Muter               = (*Connection)(nil)
	_ provider.Relabeler           = (*Connection)(nil)
)

// New создает примитив с выданными разрешениями
func New() *Primitive {
	return &Primitive{
		conns:       make(map[string]*Connection),
		failures:    make(map[string]error),
		permissions: true,
		available:   true,
	}
}

// Fail задает ошибку для метода ("register", "request_incoming", "place_outgoing",
// "mark_active", "mark_on_hold", "mark_ringing", "mark_dialing", "disconnect",
// "set_muted", "relabel", "set_available"). nil снимает ошибку.
func (p *Primitive) Fail(method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, method)
		return
	}
	p.failures[method] = err
}

// OnCall задает хук, вызываемый при каждом вызове примитива вне блокировок.
// Хук может блокироваться, имитируя медленный вызов ОС.
func (p *Primitive) OnCall(hook func(sessionID, method string)) {
	p.mu.Lock()
	p.hook = hook
	p.mu.Unlock()
}

// SetPermissions задает результат проверки разрешений
func (p *Primitive) SetPermissions(granted bool) {
	p.mu.Lock()
	p.permissions = granted
	p.mu.Unlock()
}

// SetInCall задает результат IsInCall
func (p *Primitive) SetInCall(inCall bool) {
	p.mu.Lock()
	p.inCall = inCall
	p.mu.Unlock()
}

// Callbacks возвращает обратные вызовы, переданные при регистрации
func (p *Primitive) Callbacks() provider.Callbacks {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callbacks
}

// Info параметры регистрации
func (p *Primitive) Info() provider.ProviderInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// Available текущее значение доступности
func (p *Primitive) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// Calls возвращает копию журнала вызовов
func (p *Primitive) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// CallsFor журнал вызовов одной сессии
func (p *Primitive) CallsFor(id string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, c := range p.calls {
		if c.SessionID == id {
			out = append(out, c.Method)
		}
	}
	return out
}

// Connection возвращает соединение сессии
func (p *Primitive) Connection(id string) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[id]
	return c, ok
}

// NewConnection создает соединение, как если бы его создала ОС
// (для OnIncomingConnection)
func (p *Primitive) NewConnection(id string) *Connection {
	c := &Connection{id: id, owner: p, state: "new"}
	p.mu.Lock()
	p.conns[id] = c
	p.mu.Unlock()
	return c
}

func (p *Primitive) record(id, method, arg string) error {
	p.mu.Lock()
	p.calls = append(p.calls, Call{SessionID: id, Method: method, Arg: arg})
	err := p.failures[method]
	hook := p.hook
	p.mu.Unlock()

	if hook != nil {
		hook(id, method)
	}
	return err
}

func (p *Primitive) RegisterSelfManagedProvider(ctx context.Context, info provider.ProviderInfo, cb provider.Callbacks) error {
	if err := p.record("", "register", info.Name); err != nil {
		return err
	}
	p.mu.Lock()
	p.info = info
	p.callbacks = cb
	p.mu.Unlock()
	return nil
}

func (p *Primitive) RequestIncomingConnection(ctx context.Context, req provider.ConnectionRequest) (provider.Connection, error) {
	if err := p.record(req.SessionID, "request_incoming", req.Address.Raw); err != nil {
		return nil, err
	}
	return p.NewConnection(req.SessionID), nil
}

func (p *Primitive) PlaceOutgoingConnection(ctx context.Context, req provider.ConnectionRequest) (provider.Connection, error) {
	if err := p.record(req.SessionID, "place_outgoing", req.Address.Raw); err != nil {
		return nil, err
	}
	return p.NewConnection(req.SessionID), nil
}

func (p *Primitive) SetAvailable(ctx context.Context, available bool) error {
	if err := p.record("", "set_available", fmt.Sprint(available)); err != nil {
		return err
	}
	p.mu.Lock()
	p.available = available
	p.mu.Unlock()
	return nil
}

func (p *Primitive) HasRequiredPermissions(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permissions
}

func (p *Primitive) IsInCall(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inCall
}

// Connection соединение в памяти
type Connection struct {
	id    string
	owner *Primitive

	mu          sync.Mutex
	state       string
	muted       bool
	displayName string
	address     session.Address
	cause       session.DisconnectCause
	released    bool
}

func (c *Connection) set(method, state string) error {
	if err := c.owner.record(c.id, method, state); err != nil {
		return err
	}
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	return nil
}

func (c *Connection) MarkActive(ctx context.Context) error  { return c.set("mark_active", "active") }
func (c *Connection) MarkOnHold(ctx context.Context) error  { return c.set("mark_on_hold", "on_hold") }
func (c *Connection) MarkRinging(ctx context.Context) error { return c.set("mark_ringing", "ringing") }
func (c *Connection) MarkDialing(ctx context.Context) error { return c.set("mark_dialing", "dialing") }

func (c *Connection) DisconnectAndRelease(ctx context.Context, cause session.DisconnectCause) error {
	if err := c.owner.record(c.id, "disconnect", cause.String()); err != nil {
		return err
	}
	c.mu.Lock()
	c.state = "disconnected"
	c.cause = cause
	c.released = true
	c.mu.Unlock()
	return nil
}

func (c *Connection) SetMuted(ctx context.Context, muted bool) error {
	if err := c.owner.record(c.id, "set_muted", fmt.Sprint(muted)); err != nil {
		return err
	}
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
	return nil
}

func (c *Connection) Relabel(ctx context.Context, displayName string, address session.Address) error {
	if err := c.owner.record(c.id, "relabel", displayName); err != nil {
		return err
	}
	c.mu.Lock()
	c.displayName = displayName
	c.address = address
	c.mu.Unlock()
	return nil
}

// State текущее состояние соединения
func (c *Connection) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Muted текущее значение mute
func (c *Connection) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// DisplayName последнее отображаемое имя
func (c *Connection) DisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayName
}

// Released соединение освобождено, с причиной
func (c *Connection) Released() (bool, session.DisconnectCause) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released, c.cause
}

// BareConnection соединение без необязательных возможностей (Muter, Relabeler)
type BareConnection struct {
	inner *Connection
}

// Bare оборачивает соединение, скрывая необязательные возможности
func Bare(c *Connection) BareConnection {
	return BareConnection{inner: c}
}

func (b BareConnection) MarkActive(ctx context.Context) error  { return b.inner.MarkActive(ctx) }
func (b BareConnection) MarkOnHold(ctx context.Context) error  { return b.inner.MarkOnHold(ctx) }
func (b BareConnection) MarkRinging(ctx context.Context) error { return b.inner.MarkRinging(ctx) }
func (b BareConnection) MarkDialing(ctx context.Context) error { return b.inner.MarkDialing(ctx) }
func (b BareConnection) DisconnectAndRelease(ctx context.Context, cause session.DisconnectCause) error {
	return b.inner.DisconnectAndRelease(ctx, cause)
}

// MinimalPrimitive примитив только с обязательными методами.
// Соединения возвращаются без Muter и Relabeler, журнал ведет встроенный Primitive.
type MinimalPrimitive struct {
	p *Primitive
}

var _ provider.Primitive = MinimalPrimitive{}

// NewMinimal оборачивает примитив, скрывая необязательные возможности
func NewMinimal(p *Primitive) MinimalPrimitive {
	return MinimalPrimitive{p: p}
}

func (m MinimalPrimitive) RegisterSelfManagedProvider(ctx context.Context, info provider.ProviderInfo, cb provider.Callbacks) error {
	return m.p.RegisterSelfManagedProvider(ctx, info, cb)
}

func (m MinimalPrimitive) RequestIncomingConnection(ctx context.Context, req provider.ConnectionRequest) (provider.Connection, error) {
	conn, err := m.p.RequestIncomingConnection(ctx, req)
	if err != nil {
		return nil, err
	}
	return Bare(conn.(*Connection)), nil
}

func (m MinimalPrimitive) PlaceOutgoingConnection(ctx context.Context, req provider.ConnectionRequest) (provider.Connection, error) {
	conn, err := m.p.PlaceOutgoingConnection(ctx, req)
	if err != nil {
		return nil, err
	}
	return Bare(conn.(*Connection)), nil
}
