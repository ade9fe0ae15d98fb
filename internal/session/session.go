// internal/session/session.go
package session

import (
	"container/list"
	"errors"
	"sync"

	"go.uber.org/zap"

	"towerward/internal/logger"
	"towerward/internal/metrics"
	"towerward/internal/types"
)

var (
	ErrNotRegistered  = errors.New("client not registered")
	ErrAlreadyMatched = errors.New("already in a match")
)

// entry is the matchmaking state of one client. A client is waiting (elem != nil), paired
// (opponent != nil) or idle, never more than one of these.
type entry struct {
	opponent *types.Client
	wave     int
	elem     *list.Element
}

// Manager is the registry of live clients and the matchmaker. One mutex covers the queue,
// every opponent reference and every wave index, so pairing and teardown cannot interleave.
type Manager struct {
	mu      sync.Mutex
	clients map[*types.Client]*entry
	waiting *list.List
}

func NewManager() *Manager {
	return &Manager{
		clients: make(map[*types.Client]*entry),
		waiting: list.New(),
	}
}

// AddClient registers a freshly accepted connection as idle.
func (m *Manager) AddClient(c *types.Client) {
	m.mu.Lock()
	if _, ok := m.clients[c]; !ok {
		m.clients[c] = &entry{}
	}
	m.mu.Unlock()
}

// EnqueueOrPair pairs c with the longest-waiting client, or queues it when nobody waits.
// Replies (MatchFound to both sides, or MatchWaiting) are sent after the lock is released.
func (m *Manager) EnqueueOrPair(c *types.Client) error {
	m.mu.Lock()
	e, ok := m.clients[c]
	if !ok {
		m.mu.Unlock()
		return ErrNotRegistered
	}
	if e.opponent != nil {
		m.mu.Unlock()
		return ErrAlreadyMatched
	}
	if e.elem != nil {
		m.mu.Unlock()
		return sendWaiting(c)
	}

	front := m.waiting.Front()
	if front == nil {
		e.elem = m.waiting.PushBack(c)
		metrics.WaitingPlayers.Set(float64(m.waiting.Len()))
		m.mu.Unlock()
		return sendWaiting(c)
	}

	opp := m.waiting.Remove(front).(*types.Client)
	oe := m.clients[opp]
	oe.elem = nil
	oe.opponent, e.opponent = c, opp
	oe.wave, e.wave = 0, 0
	metrics.WaitingPlayers.Set(float64(m.waiting.Len()))
	m.mu.Unlock()

	metrics.MatchesCreated.Inc()
	logger.L.Info("match created", zap.String("first", opp.ID), zap.String("second", c.ID))

	if err := opp.SendJSON(matchFound(c)); err != nil {
		opp.Log().Debug("MatchFound not delivered", zap.Error(err))
	}
	return c.SendJSON(matchFound(opp))
}

func sendWaiting(c *types.Client) error {
	return c.SendJSON(types.Outgoing{Type: types.TypeMatchWaiting})
}

func matchFound(other *types.Client) types.Outgoing {
	id, ok := other.UserID()
	if !ok {
		id = -1
	}
	return types.Outgoing{Type: types.TypeMatchFound, Data: types.MatchFoundData{OpponentId: id}}
}

// Remove unregisters c, marks it closed and detaches its opponent, all in one step. The
// detached opponent is returned so the caller can notify it.
func (m *Manager) Remove(c *types.Client) *types.Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.MarkClosed()
	e, ok := m.clients[c]
	if !ok {
		return nil
	}
	delete(m.clients, c)
	if e.elem != nil {
		m.waiting.Remove(e.elem)
		metrics.WaitingPlayers.Set(float64(m.waiting.Len()))
	}
	opp := e.opponent
	if opp != nil {
		if oe := m.clients[opp]; oe != nil && oe.opponent == c {
			oe.opponent = nil
		}
	}
	return opp
}

// AdvanceWave moves the match forward when k is the current wave index of c. The new index
// is stored on both sides. advanced is false for a stale or duplicate WaveDone.
func (m *Manager) AdvanceWave(c *types.Client, k int) (next int, opp *types.Client, advanced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.clients[c]
	if !ok || e.wave != k {
		return 0, nil, false
	}
	e.wave++
	if e.opponent != nil {
		if oe := m.clients[e.opponent]; oe != nil {
			oe.wave = e.wave
		}
	}
	return e.wave, e.opponent, true
}

// EndMatch clears the opponent reference on both sides and returns the former opponent.
func (m *Manager) EndMatch(c *types.Client) *types.Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.clients[c]
	if !ok {
		return nil
	}
	opp := e.opponent
	e.opponent = nil
	if opp != nil {
		if oe := m.clients[opp]; oe != nil && oe.opponent == c {
			oe.opponent = nil
		}
	}
	return opp
}

func (m *Manager) Opponent(c *types.Client) *types.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.clients[c]; ok {
		return e.opponent
	}
	return nil
}

func (m *Manager) WaveIndex(c *types.Client) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.clients[c]; ok {
		return e.wave
	}
	return 0
}

// IsWaiting reports whether c sits in the matchmaking queue.
func (m *Manager) IsWaiting(c *types.Client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.clients[c]
	return ok && e.elem != nil
}

func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting.Len()
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// IsUserConnected reports whether any live connection is bound to userID.
func (m *Manager) IsUserConnected(userID int) bool {
	if userID == 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.clients {
		if id, ok := c.UserID(); ok && id == userID {
			return true
		}
	}
	return false
}
