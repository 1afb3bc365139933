package session

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/looplab/fsm"
)

// ShardCount количество шардов хранилища
// КРИТИЧНО: должно быть степенью 2 для эффективного хэширования
const ShardCount = 32

// DefaultTombstones сколько завершенных id помнит хранилище для диагностики
const DefaultTombstones = 1024

// entry каноническая запись сессии.
//
// Два уровня блокировки:
//   - op сериализует переходы одной сессии и удерживается на время команды провайдеру;
//   - mu защищает данные снимка и удерживается только на чтение/фиксацию.
type entry struct {
	op sync.Mutex

	mu        sync.RWMutex
	data      CallSession
	machine   *fsm.FSM
	published bool // видна для Get/ListActive
	gone      bool // удалена из хранилища
}

func (e *entry) snapshot() CallSession {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.data
	s.State = currentState(e.machine)
	return s
}

type shard struct {
	sessions map[string]*entry
	mutex    sync.RWMutex
}

// Store потокобезопасное хранилище сессий с шардированием.
// Глобальной блокировки нет: операции над разными шардами идут параллельно.
type Store struct {
	shards     [ShardCount]*shard
	seq        atomic.Uint64
	tombstones *lru.Cache[string, time.Time]
	now        func() time.Time
}

// NewStore создает хранилище. tombstones <= 0 означает DefaultTombstones.
func NewStore(tombstones int) *Store {
	if tombstones <= 0 {
		tombstones = DefaultTombstones
	}
	// lru.New возвращает ошибку только для неположительного размера
	cache, _ := lru.New[string, time.Time](tombstones)

	s := &Store{tombstones: cache, now: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[string]*entry)}
	}
	return s
}

func (s *Store) getShard(id string) *shard {
	hasher := fnv.New32a()
	hasher.Write([]byte(id))
	return s.shards[hasher.Sum32()&(ShardCount-1)]
}

// reserve добавляет неопубликованную запись с уже захваченной op-блокировкой.
// Запись не видна читателям, но занимает id для защиты от дублей.
func (s *Store) reserve(ns NewSession) (*entry, error) {
	e := &entry{
		data: CallSession{
			ID:           ns.ID,
			Address:      ns.Address,
			DisplayName:  ns.DisplayName,
			ContactID:    ns.ContactID,
			Direction:    ns.Direction,
			VideoEnabled: ns.VideoEnabled,
		},
		machine: newSessionFSM(),
	}
	e.op.Lock()

	sh := s.getShard(ns.ID)
	sh.mutex.Lock()
	if _, exists := sh.sessions[ns.ID]; exists {
		sh.mutex.Unlock()
		e.op.Unlock()
		return nil, errDuplicateID(ns.ID)
	}
	e.data.CreatedAt = s.now()
	e.data.Seq = s.seq.Add(1)
	sh.sessions[ns.ID] = e
	sh.mutex.Unlock()

	s.tombstones.Remove(ns.ID)
	return e, nil
}

// Create создает и сразу публикует сессию в начальном состоянии направления:
// входящая - Ringing, исходящая - Dialing. Провайдер и диспетчер не вызываются,
// для полного пути создания используется Machine.Create.
func (s *Store) Create(ns NewSession) (CallSession, error) {
	e, err := s.reserve(ns)
	if err != nil {
		return CallSession{}, err
	}
	defer e.op.Unlock()

	kind := EventIncomingOffered
	if ns.Direction == DirectionOutgoing {
		kind = EventOutgoingRequested
	}
	e.mu.Lock()
	err = fire(e.machine, kind)
	e.mu.Unlock()
	if err != nil {
		s.discard(e)
		return CallSession{}, err
	}

	s.publish(e)
	return e.snapshot(), nil
}

// publish делает запись видимой для читателей
func (s *Store) publish(e *entry) {
	e.mu.Lock()
	e.published = true
	e.mu.Unlock()
}

// discard удаляет неопубликованную запись после неудачного создания
func (s *Store) discard(e *entry) {
	e.mu.Lock()
	e.gone = true
	id := e.data.ID
	e.mu.Unlock()

	sh := s.getShard(id)
	sh.mutex.Lock()
	if cur, ok := sh.sessions[id]; ok && cur == e {
		delete(sh.sessions, id)
	}
	sh.mutex.Unlock()
}

// purge удаляет завершенную запись и запоминает id как завершенный
func (s *Store) purge(e *entry) {
	s.discard(e)
	s.tombstones.Add(e.data.ID, s.now())
}

// lookup находит опубликованную запись
func (s *Store) lookup(id string) (*entry, error) {
	sh := s.getShard(id)
	sh.mutex.RLock()
	e, ok := sh.sessions[id]
	sh.mutex.RUnlock()

	if ok {
		e.mu.RLock()
		visible := e.published && !e.gone
		e.mu.RUnlock()
		if visible {
			return e, nil
		}
		// Резерв в процессе создания: для читателей такой сессии еще нет
		if !e.isGone() {
			return nil, errNotFound(id, false)
		}
	}
	return nil, errNotFound(id, s.tombstones.Contains(id))
}

// acquire находит запись для перехода, включая резерв в процессе создания.
// Вызывающий ждет op-блокировку и после нее видит итог создания.
func (s *Store) acquire(id string) (*entry, error) {
	sh := s.getShard(id)
	sh.mutex.RLock()
	e, ok := sh.sessions[id]
	sh.mutex.RUnlock()

	if ok && !e.isGone() {
		return e, nil
	}
	return nil, errNotFound(id, s.tombstones.Contains(id))
}

// ended id завершен и помнится хранилищем
func (s *Store) ended(id string) bool {
	return s.tombstones.Contains(id)
}

func (e *entry) isGone() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.gone
}

// Get возвращает копию сессии по id
func (s *Store) Get(id string) (CallSession, error) {
	e, err := s.lookup(id)
	if err != nil {
		return CallSession{}, err
	}
	return e.snapshot(), nil
}

// Has проверяет, отслеживается ли сессия
func (s *Store) Has(id string) bool {
	_, err := s.lookup(id)
	return err == nil
}

// Remove удаляет сессию. Отсутствующий id не является ошибкой.
//
// Remove не проходит через машину состояний и не уведомляет стороны;
// для завершения звонка используется Machine.Apply с событием завершения.
func (s *Store) Remove(id string) {
	sh := s.getShard(id)
	sh.mutex.Lock()
	e, ok := sh.sessions[id]
	if ok {
		delete(sh.sessions, id)
	}
	sh.mutex.Unlock()

	if !ok {
		return
	}
	e.mu.Lock()
	e.gone = true
	published := e.published
	e.mu.Unlock()
	if published {
		s.tombstones.Add(id, s.now())
	}
}

// ListActive возвращает копии всех опубликованных сессий по возрастанию CreatedAt
func (s *Store) ListActive() []CallSession {
	var entries []*entry
	for i := range s.shards {
		s.shards[i].mutex.RLock()
		for _, e := range s.shards[i].sessions {
			entries = append(entries, e)
		}
		s.shards[i].mutex.RUnlock()
	}

	// Снимки берутся вне блокировок шардов
	out := make([]CallSession, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		visible := e.published && !e.gone
		e.mu.RUnlock()
		if visible {
			out = append(out, e.snapshot())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count возвращает количество опубликованных сессий
func (s *Store) Count() int {
	return len(s.ListActive())
}

// GetShardStats возвращает распределение записей по шардам
func (s *Store) GetShardStats() map[int]int {
	stats := make(map[int]int)
	for i := range s.shards {
		s.shards[i].mutex.RLock()
		stats[i] = len(s.shards[i].sessions)
		s.shards[i].mutex.RUnlock()
	}
	return stats
}
