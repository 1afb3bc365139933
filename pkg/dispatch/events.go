package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/callkeep/pkg/session"
)

// Kind тип уведомления приложения
type Kind string

const (
	KindIncomingCallDisplayed   Kind = "incomingCallDisplayed"
	KindOutgoingCallStarted     Kind = "outgoingCallStarted"
	KindCallAnswered            Kind = "callAnswered"
	KindOutgoingCallConnected   Kind = "outgoingCallConnected"
	KindCallEnded               Kind = "callEnded"
	KindMuteChanged             Kind = "muteChanged"
	KindHoldChanged             Kind = "holdChanged"
	KindDTMFReceived            Kind = "dtmfReceived"
	KindAudioSessionActivated   Kind = "audioSessionActivated"
	KindAudioSessionDeactivated Kind = "audioSessionDeactivated"
	KindAudioRouteChanged       Kind = "audioRouteChanged"
	KindProviderReset           Kind = "providerReset"
	// KindLoadedWithEvents уведомления, накопленные до подключения слушателя
	KindLoadedWithEvents Kind = "loadedWithEvents"
)

// Notification нормализованное уведомление приложения
type Notification struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	Time      time.Time `json:"time"`

	Handle string `json:"handle,omitempty"` // outgoingCallStarted
	Muted  bool   `json:"muted,omitempty"`  // muteChanged
	OnHold bool   `json:"on_hold,omitempty"`
	Digit  string `json:"digit,omitempty"`
	Reason string `json:"reason,omitempty"` // callEnded, audioRouteChanged
	Output string `json:"output,omitempty"` // audioRouteChanged

	Events []Notification `json:"events,omitempty"` // loadedWithEvents
}

// NewNotification создает уведомление с уникальным id и временем в UTC
func NewNotification(kind Kind, sessionID string) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Kind:      kind,
		SessionID: sessionID,
		Time:      time.Now().UTC(),
	}
}

// FromTransition строит уведомление для зафиксированного перехода.
// ok=false для переходов без уведомления (UpdateDisplay, RefreshActive).
func FromTransition(tr session.Transition) (Notification, bool) {
	id := tr.Session.ID
	switch tr.Notice {
	case session.NoticeIncomingDisplayed:
		return NewNotification(KindIncomingCallDisplayed, id), true
	case session.NoticeOutgoingStarted:
		n := NewNotification(KindOutgoingCallStarted, id)
		n.Handle = tr.Session.Address.Raw
		return n, true
	case session.NoticeAnswered:
		return NewNotification(KindCallAnswered, id), true
	case session.NoticeOutgoingConnected:
		return NewNotification(KindOutgoingCallConnected, id), true
	case session.NoticeEnded:
		n := NewNotification(KindCallEnded, id)
		n.Reason = tr.Event.Cause.String()
		return n, true
	case session.NoticeMuteChanged:
		n := NewNotification(KindMuteChanged, id)
		n.Muted = tr.Session.Muted
		return n, true
	case session.NoticeHoldChanged:
		n := NewNotification(KindHoldChanged, id)
		n.OnHold = tr.To == session.StateOnHold
		return n, true
	case session.NoticeDTMF:
		n := NewNotification(KindDTMFReceived, id)
		n.Digit = tr.Event.Digit
		return n, true
	}
	return Notification{}, false
}

// Listener получатель уведомлений приложения
type Listener interface {
	Notify(ctx context.Context, n Notification) error
}

// ListenerFunc адаптер функции к Listener
type ListenerFunc func(ctx context.Context, n Notification) error

// Notify реализует Listener
func (f ListenerFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}
