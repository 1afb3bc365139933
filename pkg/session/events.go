package session

// EventKind событие жизненного цикла звонка
type EventKind string

const (
	EventIncomingOffered   EventKind = "incoming_offered"
	EventOutgoingRequested EventKind = "outgoing_requested"
	EventAnswer            EventKind = "answer"
	EventProviderConnected EventKind = "provider_connected"
	EventReject            EventKind = "reject"
	EventHangupLocal       EventKind = "hangup_local"
	EventHangupRemote      EventKind = "hangup_remote"
	EventHold              EventKind = "hold"
	EventUnhold            EventKind = "unhold"
	EventSetMuted          EventKind = "set_muted"
	EventDtmfReceived      EventKind = "dtmf_received"
	EventUpdateDisplay     EventKind = "update_display"
	EventRefreshActive     EventKind = "refresh_active"
	// EventAbort ОС отменила соединение до его установки, приложение не уведомляется
	EventAbort EventKind = "abort"
)

// IsTeardown событие завершает звонок
func (k EventKind) IsTeardown() bool {
	switch k {
	case EventReject, EventHangupLocal, EventHangupRemote, EventAbort:
		return true
	}
	return false
}

// Origin сторона, от которой пришло событие
type Origin int

const (
	OriginApp Origin = iota
	OriginProvider
)

// String возвращает строковое представление стороны
func (o Origin) String() string {
	if o == OriginProvider {
		return "provider"
	}
	return "app"
}

// Event событие с полезной нагрузкой
type Event struct {
	Kind   EventKind
	Origin Origin

	Muted       bool            // EventSetMuted
	Digit       string          // EventDtmfReceived
	DisplayName string          // EventUpdateDisplay
	Address     *Address        // EventUpdateDisplay, nil - адрес не меняется
	Cause       DisconnectCause // Reject, HangupLocal, HangupRemote, Abort
}

// Command действие, которое машина состояний запрашивает у провайдера
type Command int

const (
	CommandNone Command = iota
	CommandRequestIncoming
	CommandPlaceOutgoing
	CommandMarkActive
	CommandMarkOnHold
	CommandDisconnect
	CommandSetMuted
	CommandRelabel
)

var commandNames = map[Command]string{
	CommandNone:            "none",
	CommandRequestIncoming: "request_incoming",
	CommandPlaceOutgoing:   "place_outgoing",
	CommandMarkActive:      "mark_active",
	CommandMarkOnHold:      "mark_on_hold",
	CommandDisconnect:      "disconnect",
	CommandSetMuted:        "set_muted",
	CommandRelabel:         "relabel",
}

// String возвращает строковое представление команды
func (c Command) String() string {
	return commandNames[c]
}

// Notice уведомление приложения, которое порождает переход
type Notice int

const (
	NoticeNone Notice = iota
	NoticeIncomingDisplayed
	NoticeOutgoingStarted
	NoticeAnswered
	NoticeOutgoingConnected
	NoticeEnded
	NoticeMuteChanged
	NoticeHoldChanged
	NoticeDTMF
)

// Rule строка таблицы переходов
type Rule struct {
	Event EventKind
	From  []State
	// To целевое состояние; StateNone означает "состояние не меняется"
	To      State
	Command Command
	Notice  Notice
	// NoEcho команда не отправляется обратно, если событие пришло от провайдера
	NoEcho bool
}

var nonTerminal = []State{StateRinging, StateDialing, StateActive, StateOnHold}

// transitionTable полная таблица переходов сессии
var transitionTable = []Rule{
	{Event: EventIncomingOffered, From: []State{StateNone}, To: StateRinging, Command: CommandRequestIncoming, Notice: NoticeIncomingDisplayed, NoEcho: true},
	{Event: EventOutgoingRequested, From: []State{StateNone}, To: StateDialing, Command: CommandPlaceOutgoing, Notice: NoticeOutgoingStarted},
	{Event: EventAnswer, From: []State{StateRinging}, To: StateActive, Command: CommandMarkActive, Notice: NoticeAnswered},
	{Event: EventProviderConnected, From: []State{StateDialing}, To: StateActive, Command: CommandMarkActive, Notice: NoticeOutgoingConnected, NoEcho: true},
	{Event: EventReject, From: []State{StateRinging}, To: StateDisconnected, Command: CommandDisconnect, Notice: NoticeEnded, NoEcho: true},
	{Event: EventHangupLocal, From: nonTerminal, To: StateDisconnected, Command: CommandDisconnect, Notice: NoticeEnded},
	{Event: EventHangupRemote, From: nonTerminal, To: StateDisconnected, Command: CommandNone, Notice: NoticeEnded},
	{Event: EventAbort, From: nonTerminal, To: StateDisconnected, Command: CommandDisconnect, Notice: NoticeNone, NoEcho: true},
	{Event: EventHold, From: []State{StateActive}, To: StateOnHold, Command: CommandMarkOnHold, Notice: NoticeHoldChanged, NoEcho: true},
	{Event: EventUnhold, From: []State{StateOnHold}, To: StateActive, Command: CommandMarkActive, Notice: NoticeHoldChanged, NoEcho: true},
	{Event: EventSetMuted, From: nonTerminal, Command: CommandSetMuted, Notice: NoticeMuteChanged, NoEcho: true},
	{Event: EventDtmfReceived, From: []State{StateActive}, Command: CommandNone, Notice: NoticeDTMF},
	{Event: EventUpdateDisplay, From: nonTerminal, Command: CommandRelabel, Notice: NoticeNone, NoEcho: true},
	{Event: EventRefreshActive, From: []State{StateActive}, Command: CommandMarkActive, Notice: NoticeNone},
}

var rulesByEvent = func() map[EventKind]Rule {
	m := make(map[EventKind]Rule, len(transitionTable))
	for _, r := range transitionTable {
		m[r.Event] = r
	}
	return m
}()

// RuleFor возвращает правило для события
func RuleFor(kind EventKind) (Rule, bool) {
	r, ok := rulesByEvent[kind]
	return r, ok
}

// CommandFor команда провайдеру с учетом стороны-источника события
func (r Rule) CommandFor(origin Origin) Command {
	if r.NoEcho && origin == OriginProvider {
		return CommandNone
	}
	return r.Command
}

// Allows проверяет, допустимо ли событие из состояния
func (r Rule) Allows(s State) bool {
	for _, from := range r.From {
		if from == s {
			return true
		}
	}
	return false
}

// Target состояние после применения правила к состоянию s
func (r Rule) Target(s State) State {
	if r.To == StateNone {
		return s
	}
	return r.To
}
