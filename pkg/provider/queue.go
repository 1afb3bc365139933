package provider

import (
	"context"
	"errors"
	"sync"
)

// errQueueClosed очередь обратных вызовов остановлена
var errQueueClosed = errors.New("очередь обратных вызовов остановлена")

// globalLane ключ очереди для событий без сессии (маршрут аудио, сброс провайдера)
const globalLane = ""

// lane задачи одной сессии, выполняются строго по очереди
type lane struct {
	tasks []func()
}

// callbackQueue последовательная очередь обратных вызовов по id сессии.
//
// У каждого id своя горутина, она живет, пока в очереди есть задачи.
// push не ждет выполнения: обратный вызов допустим изнутри команды
// провайдеру, пока удерживается op-блокировка той же сессии.
type callbackQueue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	idle   chan struct{} // закрыт, когда задач нет
	closed bool
}

func newCallbackQueue() *callbackQueue {
	idle := make(chan struct{})
	close(idle)
	return &callbackQueue{lanes: make(map[string]*lane), idle: idle}
}

// push ставит задачу в очередь сессии key
func (q *callbackQueue) push(key string, task func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errQueueClosed
	}
	if l, ok := q.lanes[key]; ok {
		l.tasks = append(l.tasks, task)
		return nil
	}

	l := &lane{tasks: []func(){task}}
	if len(q.lanes) == 0 {
		q.idle = make(chan struct{})
	}
	q.lanes[key] = l
	go q.run(key, l)
	return nil
}

func (q *callbackQueue) run(key string, l *lane) {
	for {
		q.mu.Lock()
		if len(l.tasks) == 0 {
			delete(q.lanes, key)
			if len(q.lanes) == 0 {
				close(q.idle)
			}
			q.mu.Unlock()
			return
		}
		task := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		q.mu.Unlock()

		task()
	}
}

// wait ждет, пока выполнятся все задачи, в том числе поставленные во время ожидания
func (q *callbackQueue) wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}

		q.mu.Lock()
		done := len(q.lanes) == 0
		q.mu.Unlock()
		if done {
			return nil
		}
	}
}

// close перестает принимать задачи и ждет выполнения уже поставленных
func (q *callbackQueue) close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.wait(ctx)
}

// pending количество сессий с невыполненными задачами
func (q *callbackQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}
