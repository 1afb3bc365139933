package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State состояние сессии звонка
type State int

const (
	// StateNone сессия создана, но еще не предложена ни одной из сторон.
	// Снаружи хранилища это состояние не наблюдается.
	StateNone State = iota
	StateRinging
	StateDialing
	StateActive
	StateOnHold
	StateDisconnected
)

var stateNames = map[State]string{
	StateNone:         "none",
	StateRinging:      "ringing",
	StateDialing:      "dialing",
	StateActive:       "active",
	StateOnHold:       "on_hold",
	StateDisconnected: "disconnected",
}

// String возвращает строковое представление состояния
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// IsTerminal проверяет, является ли состояние терминальным
func (s State) IsTerminal() bool {
	return s == StateDisconnected
}

func parseState(name string) State {
	for s, n := range stateNames {
		if n == name {
			return s
		}
	}
	return StateNone
}

// Direction направление звонка
type Direction int

const (
	DirectionIncoming Direction = iota
	DirectionOutgoing
)

// String возвращает строковое представление направления
func (d Direction) String() string {
	if d == DirectionOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// CallSession снимок состояния одного звонка.
// Хранилище отдает только копии, канонические записи живут внутри Store.
type CallSession struct {
	ID           string
	Address      Address
	DisplayName  string
	ContactID    string
	Direction    Direction
	State        State
	VideoEnabled bool
	Muted        bool
	CreatedAt    time.Time

	// Seq порядковый номер создания в пределах хранилища
	Seq uint64
}

// IsActive сессия отслеживается и еще не завершена
func (s CallSession) IsActive() bool {
	return s.State != StateNone && !s.State.IsTerminal()
}

// NewSession параметры создания сессии
type NewSession struct {
	ID           string
	Direction    Direction
	Address      Address
	DisplayName  string
	ContactID    string
	VideoEnabled bool
}

// NewID генерирует идентификатор звонка для случаев, когда сторона-инициатор его не передала
func NewID() string {
	return uuid.New().String()
}

// CauseCode причина разъединения, передаваемая провайдеру
type CauseCode int

const (
	CauseUnknown CauseCode = iota
	CauseLocal
	CauseRemote
	CauseRejected
)

// String возвращает строковое представление причины
func (c CauseCode) String() string {
	switch c {
	case CauseLocal:
		return "local"
	case CauseRemote:
		return "remote"
	case CauseRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// DisconnectCause причина разъединения с произвольной диагностической меткой.
// Tag не интерпретируется ядром, он только передается провайдеру и в уведомление.
type DisconnectCause struct {
	Code CauseCode
	Tag  string
}

// String возвращает строковое представление причины
func (c DisconnectCause) String() string {
	if c.Tag == "" {
		return c.Code.String()
	}
	return c.Code.String() + "(" + c.Tag + ")"
}
