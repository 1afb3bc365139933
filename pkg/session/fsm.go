package session

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// fsmEvents таблица переходов в формате looplab/fsm.
// События без смены состояния разворачиваются в петли по каждому исходному состоянию.
var fsmEvents = func() fsm.Events {
	events := make(fsm.Events, 0, len(transitionTable)*2)
	for _, r := range transitionTable {
		if r.To != StateNone {
			src := make([]string, 0, len(r.From))
			for _, s := range r.From {
				src = append(src, s.String())
			}
			events = append(events, fsm.EventDesc{Name: string(r.Event), Src: src, Dst: r.To.String()})
			continue
		}
		for _, s := range r.From {
			events = append(events, fsm.EventDesc{Name: string(r.Event), Src: []string{s.String()}, Dst: s.String()})
		}
	}
	return events
}()

// newSessionFSM создает автомат сессии в состоянии StateNone
func newSessionFSM() *fsm.FSM {
	return fsm.NewFSM(StateNone.String(), fsmEvents, nil)
}

// fire применяет событие к автомату.
// Петля (состояние не меняется) для looplab/fsm возвращает NoTransitionError, это успех.
func fire(f *fsm.FSM, kind EventKind) error {
	// Отмена посреди перехода не поддерживается, поэтому контекст вызывающего не передается
	err := f.Event(context.Background(), string(kind))
	if err == nil {
		return nil
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

func currentState(f *fsm.FSM) State {
	return parseState(f.Current())
}
