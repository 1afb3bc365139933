// Package provider связывает ядро звонков с телефонной подсистемой устройства.
//
// Primitive и Connection описывают узкую границу с ОС. Adapter выполняет
// команды машины состояний через эту границу и переводит обратные вызовы
// примитива в события сессий.
package provider

import (
	"context"

	"github.com/arzzra/callkeep/pkg/session"
)

// ProviderInfo параметры регистрации self-managed провайдера
type ProviderInfo struct {
	Name          string
	SupportsVideo bool
}

// ConnectionRequest параметры нового соединения
type ConnectionRequest struct {
	SessionID   string
	Address     session.Address
	DisplayName string
	ContactID   string
	Video       bool
}

// Primitive телефонный примитив ОС.
//
// Примитив вызывает Callbacks из любой горутины.
type Primitive interface {
	RegisterSelfManagedProvider(ctx context.Context, info ProviderInfo, cb Callbacks) error
	RequestIncomingConnection(ctx context.Context, req ConnectionRequest) (Connection, error)
	PlaceOutgoingConnection(ctx context.Context, req ConnectionRequest) (Connection, error)
}

// Connection соединение одного звонка на стороне ОС
type Connection interface {
	MarkActive(ctx context.Context) error
	MarkOnHold(ctx context.Context) error
	MarkRinging(ctx context.Context) error
	MarkDialing(ctx context.Context) error
	DisconnectAndRelease(ctx context.Context, cause session.DisconnectCause) error
}

// Необязательные возможности, определяются через type assertion

// Muter соединение умеет выключать микрофон
type Muter interface {
	SetMuted(ctx context.Context, muted bool) error
}

// Relabeler соединение умеет менять отображаемое имя и адрес
type Relabeler interface {
	Relabel(ctx context.Context, displayName string, address session.Address) error
}

// AvailabilityToggler примитив умеет включать и выключать прием звонков
type AvailabilityToggler interface {
	SetAvailable(ctx context.Context, available bool) error
}

// PermissionChecker примитив проверяет разрешения приложения
type PermissionChecker interface {
	HasRequiredPermissions(ctx context.Context) bool
}

// InCallReporter примитив сообщает, занята ли ОС звонком
type InCallReporter interface {
	IsInCall(ctx context.Context) bool
}

// Callbacks обратные вызовы примитива.
//
// Реализация не блокирует вызывающего: допустимо вызывать их из любой
// горутины, в том числе изнутри методов Connection.
type Callbacks interface {
	// OnIncomingConnection ОС сама создала входящее соединение; пустой id заменяется сгенерированным
	OnIncomingConnection(id string, conn Connection, address, displayName string, video bool)
	OnAnswered(id string)
	OnRejected(id string)
	OnDisconnected(id string, cause session.DisconnectCause)
	// OnAborted ОС отменила соединение до его установки
	OnAborted(id string)
	// OnConnected удаленная сторона ответила на исходящий звонок
	OnConnected(id string)
	// OnHoldChanged ОС сама поставила звонок на удержание или сняла с него
	OnHoldChanged(id string, onHold bool)
	OnAudioStateChanged(id string, muted bool)
	OnDtmfTone(id string, digit string)
	// OnTelephoneEvent сырой RTP пакет RFC 4733
	OnTelephoneEvent(id string, packet []byte)
	OnMediaNegotiated(id string, sdpBody []byte)
	OnAddressResolved(id string, displayName, address string)
	OnAudioRouteChanged(output, reason string)
	OnAudioSessionActivated()
	OnAudioSessionDeactivated()
	OnProviderReset()
}

// IncomingRequest входящий звонок, о котором сообщила ОС
type IncomingRequest struct {
	ID          string
	Address     session.Address
	DisplayName string
	Video       bool
}

// Sink получатель переведенных событий провайдера (реализуется сервисом)
type Sink interface {
	ProviderEvent(ctx context.Context, id string, ev session.Event) error
	IncomingConnection(ctx context.Context, req IncomingRequest) error
	MediaNegotiated(ctx context.Context, id string, info MediaInfo)
	AudioRouteChanged(ctx context.Context, output, reason string)
	AudioSessionActivated(ctx context.Context)
	AudioSessionDeactivated(ctx context.Context)
	ProviderReset(ctx context.Context)
}
