package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arzzra/callkeep/pkg/logger"
	"github.com/arzzra/callkeep/pkg/session"
)

// errNoConnection у сессии нет соединения на стороне ОС
var errNoConnection = errors.New("нет соединения для сессии")

// Adapter выполняет команды машины состояний через Primitive и
// переводит обратные вызовы примитива в события для Sink.
//
// Хэндлы соединений живут здесь (id -> Connection), а не в записи сессии.
// Вызовы примитива выполняются без удержания внутренних блокировок.
// Обратные вызовы не обращаются к Sink синхронно: они встают в очередь
// своей сессии и выполняются по порядку отдельной горутиной.
type Adapter struct {
	primitive Primitive
	logger    logger.StructuredLogger
	queue     *callbackQueue

	mu         sync.RWMutex
	sink       Sink
	registered bool
	info       ProviderInfo
	conns      map[string]Connection
	decoders   map[string]*DTMFDecoder
	dtmfPT     map[string]uint8
}

// AdapterOption опция адаптера
type AdapterOption func(*Adapter)

// WithLogger задает логгер адаптера
func WithLogger(l logger.StructuredLogger) AdapterOption {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAdapter создает адаптер над примитивом. nil примитив допустим:
// все операции, кроме явных no-op, вернут ErrProviderUnavailable.
func NewAdapter(p Primitive, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		primitive: p,
		logger:    logger.NoOpLogger{},
		queue:     newCallbackQueue(),
		conns:     make(map[string]Connection),
		decoders:  make(map[string]*DTMFDecoder),
		dtmfPT:    make(map[string]uint8),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.WithComponent("provider")
	return a
}

// SetSink задает получателя событий провайдера
func (a *Adapter) SetSink(s Sink) {
	a.mu.Lock()
	a.sink = s
	a.mu.Unlock()
}

// Sync ждет, пока будут обработаны все поставленные обратные вызовы
func (a *Adapter) Sync(ctx context.Context) error {
	return a.queue.wait(ctx)
}

// Close перестает принимать обратные вызовы и дожидается обработки поставленных.
// Обратные вызовы после Close отбрасываются.
func (a *Adapter) Close(ctx context.Context) error {
	return a.queue.close(ctx)
}

// Register регистрирует приложение как self-managed провайдера
func (a *Adapter) Register(ctx context.Context, info ProviderInfo) error {
	if a.primitive == nil {
		return session.ErrProviderUnavailableFor("register", nil)
	}
	if err := a.primitive.RegisterSelfManagedProvider(ctx, info, a); err != nil {
		return session.ErrProviderUnavailableFor("register", err)
	}

	a.mu.Lock()
	a.registered = true
	a.info = info
	a.mu.Unlock()

	a.logger.Info(ctx, "провайдер зарегистрирован",
		logger.String("name", info.Name),
		logger.Bool("supports_video", info.SupportsVideo))
	return nil
}

// Ready возвращает ErrProviderUnavailable, пока провайдер не зарегистрирован
func (a *Adapter) Ready() error {
	if a.primitive == nil {
		return session.ErrProviderUnavailableFor("ready", nil)
	}
	a.mu.RLock()
	registered := a.registered
	a.mu.RUnlock()
	if !registered {
		return session.ErrProviderUnavailableFor("ready", errors.New("провайдер не зарегистрирован"))
	}
	return nil
}

// Info параметры регистрации
func (a *Adapter) Info() ProviderInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.info
}

// SetAvailable включает или выключает прием звонков.
// Без AvailabilityToggler (в том числе без примитива) ничего не делает.
func (a *Adapter) SetAvailable(ctx context.Context, available bool) error {
	toggler, ok := a.primitive.(AvailabilityToggler)
	if !ok {
		return nil
	}
	if err := a.Ready(); err != nil {
		return err
	}
	if err := toggler.SetAvailable(ctx, available); err != nil {
		return session.ErrProviderUnavailableFor("set_available", err)
	}
	return nil
}

// HasRequiredPermissions проверяет разрешения. Примитив без проверки считается разрешающим.
func (a *Adapter) HasRequiredPermissions(ctx context.Context) bool {
	if a.primitive == nil {
		return false
	}
	checker, ok := a.primitive.(PermissionChecker)
	if !ok {
		return true
	}
	return checker.HasRequiredPermissions(ctx)
}

// IsInCall сообщает, занята ли ОС звонком. Без InCallReporter возвращает false.
func (a *Adapter) IsInCall(ctx context.Context) bool {
	reporter, ok := a.primitive.(InCallReporter)
	if !ok {
		return false
	}
	return reporter.IsInCall(ctx)
}

// Perform выполняет команду машины состояний для сессии s
func (a *Adapter) Perform(ctx context.Context, cmd session.Command, s session.CallSession, ev session.Event) error {
	if err := a.Ready(); err != nil {
		return err
	}

	switch cmd {
	case session.CommandNone:
		return nil

	case session.CommandRequestIncoming:
		conn, err := a.primitive.RequestIncomingConnection(ctx, requestFor(s))
		if err != nil {
			return session.ErrProviderUnavailableFor(cmd.String(), err)
		}
		if err := conn.MarkRinging(ctx); err != nil {
			return a.abort(ctx, conn, cmd, err)
		}
		a.track(s.ID, conn)
		return nil

	case session.CommandPlaceOutgoing:
		conn, err := a.primitive.PlaceOutgoingConnection(ctx, requestFor(s))
		if err != nil {
			return session.ErrProviderUnavailableFor(cmd.String(), err)
		}
		if err := conn.MarkDialing(ctx); err != nil {
			return a.abort(ctx, conn, cmd, err)
		}
		a.track(s.ID, conn)
		return nil

	case session.CommandDisconnect:
		conn, ok := a.connection(s.ID)
		if !ok {
			// Соединение уже освобождено на стороне ОС
			return nil
		}
		if err := conn.DisconnectAndRelease(ctx, ev.Cause); err != nil {
			return session.ErrProviderUnavailableFor(cmd.String(), err)
		}
		a.Forget(s.ID)
		return nil
	}

	conn, ok := a.connection(s.ID)
	if !ok {
		return session.ErrProviderUnavailableFor(cmd.String(), errNoConnection)
	}

	var err error
	switch cmd {
	case session.CommandMarkActive:
		err = conn.MarkActive(ctx)
	case session.CommandMarkOnHold:
		err = conn.MarkOnHold(ctx)
	case session.CommandSetMuted:
		if muter, ok := conn.(Muter); ok {
			err = muter.SetMuted(ctx, ev.Muted)
		}
	case session.CommandRelabel:
		if relabeler, ok := conn.(Relabeler); ok {
			addr := s.Address
			if ev.Address != nil {
				addr = *ev.Address
			}
			name := s.DisplayName
			if ev.DisplayName != "" {
				name = ev.DisplayName
			}
			err = relabeler.Relabel(ctx, name, addr)
		}
	default:
		return fmt.Errorf("неизвестная команда провайдеру: %d", cmd)
	}
	if err != nil {
		return session.ErrProviderUnavailableFor(cmd.String(), err)
	}
	return nil
}

// abort освобождает соединение, которое не удалось довести до начального состояния
func (a *Adapter) abort(ctx context.Context, conn Connection, cmd session.Command, cause error) error {
	if err := conn.DisconnectAndRelease(ctx, session.DisconnectCause{Code: session.CauseLocal}); err != nil {
		a.logger.Warn(ctx, "не удалось освободить соединение", logger.Err(err))
	}
	return session.ErrProviderUnavailableFor(cmd.String(), cause)
}

func requestFor(s session.CallSession) ConnectionRequest {
	return ConnectionRequest{
		SessionID:   s.ID,
		Address:     s.Address,
		DisplayName: s.DisplayName,
		ContactID:   s.ContactID,
		Video:       s.VideoEnabled,
	}
}

func (a *Adapter) track(id string, conn Connection) {
	a.mu.Lock()
	a.conns[id] = conn
	a.mu.Unlock()
}

// trackNew запоминает соединение, только если у id его еще нет.
// При отказе возвращает уже закрепленное соединение.
func (a *Adapter) trackNew(id string, conn Connection) (Connection, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, exists := a.conns[id]; exists {
		return cur, false
	}
	a.conns[id] = conn
	return conn, true
}

func (a *Adapter) connection(id string) (Connection, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	conn, ok := a.conns[id]
	return conn, ok
}

// Forget удаляет хэндл соединения и состояние декодера сессии
func (a *Adapter) Forget(id string) {
	a.mu.Lock()
	delete(a.conns, id)
	delete(a.decoders, id)
	delete(a.dtmfPT, id)
	a.mu.Unlock()
}

// forgetConn как Forget, но только если за id все еще закреплено conn
func (a *Adapter) forgetConn(id string, conn Connection) {
	a.mu.Lock()
	if cur, ok := a.conns[id]; ok && cur == conn {
		delete(a.conns, id)
		delete(a.decoders, id)
		delete(a.dtmfPT, id)
	}
	a.mu.Unlock()
}

// ConnectionCount количество отслеживаемых соединений
func (a *Adapter) ConnectionCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.conns)
}

func (a *Adapter) currentSink() Sink {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sink
}

// enqueue ставит обработку обратного вызова в очередь сессии id
func (a *Adapter) enqueue(id string, task func(ctx context.Context)) {
	if err := a.queue.push(id, func() { task(context.Background()) }); err != nil {
		a.logger.Warn(context.Background(), "обратный вызов провайдера отброшен",
			logger.String("session_id", id), logger.Err(err))
	}
}

// deliver ставит событие сессии в очередь получателю
func (a *Adapter) deliver(id string, ev session.Event) {
	a.enqueue(id, func(ctx context.Context) { a.providerEvent(ctx, id, ev) })
}

func (a *Adapter) providerEvent(ctx context.Context, id string, ev session.Event) {
	sink := a.currentSink()
	if sink == nil {
		a.logger.Warn(ctx, "событие провайдера без получателя",
			logger.String("session_id", id), logger.String("event", string(ev.Kind)))
		return
	}
	ev.Origin = session.OriginProvider
	if err := sink.ProviderEvent(ctx, id, ev); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			a.logger.Debug(ctx, "событие провайдера для неизвестной сессии",
				logger.String("session_id", id),
				logger.String("event", string(ev.Kind)),
				logger.Bool("already_ended", session.IsAlreadyEnded(err)))
			return
		}
		a.logger.LogError(ctx, err, "событие провайдера не применено",
			logger.String("session_id", id), logger.String("event", string(ev.Kind)))
	}
}

// release освобождает соединение, которое не стало сессией
func (a *Adapter) release(ctx context.Context, id string, conn Connection) {
	if err := conn.DisconnectAndRelease(ctx, session.DisconnectCause{Code: session.CauseRejected}); err != nil {
		a.logger.Warn(ctx, "не удалось освободить соединение",
			logger.String("session_id", id), logger.Err(err))
	}
}

// Реализация Callbacks

func (a *Adapter) OnIncomingConnection(id string, conn Connection, address, displayName string, video bool) {
	if id == "" {
		id = session.NewID()
	}
	a.enqueue(id, func(ctx context.Context) {
		a.incoming(ctx, id, conn, IncomingRequest{
			ID:          id,
			Address:     session.ParseAddress(address, ""),
			DisplayName: displayName,
			Video:       video,
		})
	})
}

func (a *Adapter) incoming(ctx context.Context, id string, conn Connection, req IncomingRequest) {
	// КРИТИЧНО: соединение живой сессии не подменяется и не забывается
	if conn != nil {
		if cur, ok := a.trackNew(id, conn); !ok {
			if cur == conn {
				a.logger.Debug(ctx, "повторное уведомление о том же соединении",
					logger.String("session_id", id))
				return
			}
			a.logger.Warn(ctx, "повторное входящее соединение для существующей сессии",
				logger.String("session_id", id))
			a.release(ctx, id, conn)
			return
		}
	}

	sink := a.currentSink()
	if sink == nil {
		a.logger.Warn(ctx, "входящее соединение без получателя", logger.String("session_id", id))
		if conn != nil {
			a.forgetConn(id, conn)
			a.release(ctx, id, conn)
		}
		return
	}

	if err := sink.IncomingConnection(ctx, req); err != nil {
		a.logger.LogError(ctx, err, "входящее соединение отклонено", logger.String("session_id", id))
		if conn != nil {
			a.forgetConn(id, conn)
			a.release(ctx, id, conn)
		}
	}
}

func (a *Adapter) OnAnswered(id string) {
	a.deliver(id, session.Event{Kind: session.EventAnswer})
}

func (a *Adapter) OnRejected(id string) {
	a.deliver(id, session.Event{Kind: session.EventReject, Cause: session.DisconnectCause{Code: session.CauseRejected}})
}

func (a *Adapter) OnDisconnected(id string, cause session.DisconnectCause) {
	if cause.Code == session.CauseUnknown {
		cause.Code = session.CauseRemote
	}
	a.deliver(id, session.Event{Kind: session.EventHangupRemote, Cause: cause})
}

func (a *Adapter) OnAborted(id string) {
	a.deliver(id, session.Event{Kind: session.EventAbort, Cause: session.DisconnectCause{Code: session.CauseLocal, Tag: "aborted"}})
}

func (a *Adapter) OnConnected(id string) {
	a.deliver(id, session.Event{Kind: session.EventProviderConnected})
}

func (a *Adapter) OnHoldChanged(id string, onHold bool) {
	kind := session.EventUnhold
	if onHold {
		kind = session.EventHold
	}
	a.deliver(id, session.Event{Kind: kind})
}

func (a *Adapter) OnAudioStateChanged(id string, muted bool) {
	a.deliver(id, session.Event{Kind: session.EventSetMuted, Muted: muted})
}

func (a *Adapter) OnDtmfTone(id string, digit string) {
	d, err := ParseDigit(digit)
	if err != nil {
		a.logger.Warn(context.Background(), "некорректный DTMF от провайдера",
			logger.String("session_id", id), logger.Err(err))
		return
	}
	a.deliver(id, session.Event{Kind: session.EventDtmfReceived, Digit: d.String()})
}

func (a *Adapter) OnTelephoneEvent(id string, packet []byte) {
	// Буфер принадлежит примитиву и может быть переиспользован после возврата
	packet = append([]byte(nil), packet...)
	// Декодер сессии используется только из ее очереди
	a.enqueue(id, func(ctx context.Context) {
		dec := a.decoder(id)
		if dec == nil {
			a.logger.Debug(ctx, "telephone-event до согласования payload type",
				logger.String("session_id", id))
			return
		}
		digit, done, err := dec.Decode(packet)
		if err != nil {
			a.logger.Debug(ctx, "пакет telephone-event отброшен",
				logger.String("session_id", id), logger.Err(err))
			return
		}
		if done {
			a.providerEvent(ctx, id, session.Event{Kind: session.EventDtmfReceived, Digit: digit.String()})
		}
	})
}

// decoder декодер сессии; nil, пока payload type telephone-event не согласован
func (a *Adapter) decoder(id string) *DTMFDecoder {
	a.mu.Lock()
	defer a.mu.Unlock()
	if dec, ok := a.decoders[id]; ok {
		return dec
	}
	pt, ok := a.dtmfPT[id]
	if !ok {
		return nil
	}
	dec := NewDTMFDecoder(pt)
	a.decoders[id] = dec
	return dec
}

func (a *Adapter) OnMediaNegotiated(id string, sdpBody []byte) {
	sdpBody = append([]byte(nil), sdpBody...)
	a.enqueue(id, func(ctx context.Context) {
		info, err := InspectMedia(sdpBody)
		if err != nil {
			a.logger.Warn(ctx, "не удалось разобрать SDP", logger.String("session_id", id), logger.Err(err))
			return
		}
		if info.TelephoneEvent != 0 {
			a.mu.Lock()
			a.dtmfPT[id] = info.TelephoneEvent
			delete(a.decoders, id)
			a.mu.Unlock()
		}
		if sink := a.currentSink(); sink != nil {
			sink.MediaNegotiated(ctx, id, info)
		}
	})
}

func (a *Adapter) OnAddressResolved(id string, displayName, address string) {
	ev := session.Event{Kind: session.EventUpdateDisplay, DisplayName: displayName}
	if address != "" {
		addr := session.ParseAddress(address, "")
		ev.Address = &addr
	}
	a.deliver(id, ev)
}

func (a *Adapter) OnAudioRouteChanged(output, reason string) {
	a.enqueue(globalLane, func(ctx context.Context) {
		if sink := a.currentSink(); sink != nil {
			sink.AudioRouteChanged(ctx, output, reason)
		}
	})
}

func (a *Adapter) OnAudioSessionActivated() {
	a.enqueue(globalLane, func(ctx context.Context) {
		if sink := a.currentSink(); sink != nil {
			sink.AudioSessionActivated(ctx)
		}
	})
}

func (a *Adapter) OnAudioSessionDeactivated() {
	a.enqueue(globalLane, func(ctx context.Context) {
		if sink := a.currentSink(); sink != nil {
			sink.AudioSessionDeactivated(ctx)
		}
	})
}

func (a *Adapter) OnProviderReset() {
	a.enqueue(globalLane, func(ctx context.Context) {
		a.logger.Warn(ctx, "сброс провайдера")
		if sink := a.currentSink(); sink != nil {
			sink.ProviderReset(ctx)
		}
		a.mu.Lock()
		a.conns = make(map[string]Connection)
		a.decoders = make(map[string]*DTMFDecoder)
		a.dtmfPT = make(map[string]uint8)
		a.mu.Unlock()
	})
}
