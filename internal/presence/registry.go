package presence

import (
	"log/slog"
	"sync"
)

type entry struct {
	pair    PairKey
	user    Conn
	agent   Conn
	agentID uint64
}

// Registry is safe for concurrent use. Callers go through its methods only;
// the maps are never exposed.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	byUser   map[uint64]Conn
	locks    map[PairKey]string
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		byUser:   make(map[uint64]Conn),
		locks:    make(map[PairKey]string),
	}
}

func (r *Registry) entryLocked(sessionID string, pair PairKey) *entry {
	e, ok := r.sessions[sessionID]
	if !ok {
		e = &entry{pair: pair}
		r.sessions[sessionID] = e
	}
	return e
}

// JoinUser records conn as the user side of the session, replacing any
// earlier user connection.
func (r *Registry) JoinUser(sessionID string, pair PairKey, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryLocked(sessionID, pair)
	e.user = conn
	r.byUser[pair.UserID] = conn
	slog.Debug("presence user joined", "session_id", sessionID, "user_id", pair.UserID, "conn_id", conn.ID())
}

// JoinAgent binds conn as the agent side and takes the pairing lock. When a
// different live agent already holds the pair, nothing changes and the id of
// the session holding the lock is returned with ok=false.
func (r *Registry) JoinAgent(sessionID string, pair PairKey, agentID uint64, conn Conn) (conflict string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if held, exists := r.locks[pair]; exists {
		if he, live := r.sessions[held]; live && he.agent != nil && he.agent.Alive() && he.agentID != agentID {
			return held, false
		}
		if held != sessionID {
			// stale holder: the previous agent is gone
			if he, live := r.sessions[held]; live {
				r.clearAgentLocked(he)
			}
		}
	}

	e := r.entryLocked(sessionID, pair)
	if e.agent != nil && e.agent != conn && e.agent.Alive() && e.agentID != agentID {
		return sessionID, false
	}
	if e.agent != nil && e.agentID != agentID {
		r.clearAgentLocked(e)
	}
	e.agent = conn
	e.agentID = agentID
	r.locks[pair] = sessionID
	slog.Debug("presence agent joined", "session_id", sessionID, "agent_id", agentID, "conn_id", conn.ID())
	return "", true
}

func (r *Registry) clearAgentLocked(e *entry) {
	e.agent = nil
	e.agentID = 0
}

// LeaveUser removes the user side if conn still owns it.
func (r *Registry) LeaveUser(sessionID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok || e.user == nil || e.user != conn {
		return false
	}
	if r.byUser[e.pair.UserID] == conn {
		delete(r.byUser, e.pair.UserID)
	}
	e.user = nil
	r.pruneLocked(sessionID, e)
	return true
}

// LeaveAgent removes the agent side if conn still owns it and releases the
// pairing lock so another agent may claim the pair.
func (r *Registry) LeaveAgent(sessionID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok || e.agent == nil || (conn != nil && e.agent != conn) {
		return false
	}
	r.clearAgentLocked(e)
	if r.locks[e.pair] == sessionID {
		delete(r.locks, e.pair)
	}
	r.pruneLocked(sessionID, e)
	return true
}

func (r *Registry) pruneLocked(sessionID string, e *entry) {
	if e.user == nil && e.agent == nil {
		delete(r.sessions, sessionID)
	}
}

// Drop tears the session entry down and releases its lock.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	if e.user != nil && r.byUser[e.pair.UserID] == e.user {
		delete(r.byUser, e.pair.UserID)
	}
	r.clearAgentLocked(e)
	if r.locks[e.pair] == sessionID {
		delete(r.locks, e.pair)
	}
	delete(r.sessions, sessionID)
}

// UserConn returns the live user connection of a session, or nil.
func (r *Registry) UserConn(sessionID string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sessionID]; ok && e.user != nil && e.user.Alive() {
		return e.user
	}
	return nil
}

// AgentConn returns the live agent connection and its agent id, or nil.
func (r *Registry) AgentConn(sessionID string) (Conn, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sessionID]; ok && e.agent != nil && e.agent.Alive() {
		return e.agent, e.agentID
	}
	return nil, 0
}

// Copresent reports whether both sides are registered and alive.
func (r *Registry) Copresent(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	return ok && e.user != nil && e.user.Alive() && e.agent != nil && e.agent.Alive()
}

// LockHolder returns the session currently holding the pair's agent lock.
func (r *Registry) LockHolder(pair PairKey) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.locks[pair]
	return sid, ok
}

// SendUser pushes to the session's user side; false when nobody received it.
func (r *Registry) SendUser(sessionID string, ev Event) bool {
	return send(sessionID, r.UserConn(sessionID), ev)
}

func (r *Registry) SendAgent(sessionID string, ev Event) bool {
	c, _ := r.AgentConn(sessionID)
	return send(sessionID, c, ev)
}

// Broadcast pushes to every live side of the session.
func (r *Registry) Broadcast(sessionID string, ev Event) {
	r.SendUser(sessionID, ev)
	r.SendAgent(sessionID, ev)
}

// SendToUser reaches a user outside of any session, e.g. after a wallet credit.
func (r *Registry) SendToUser(userID uint64, ev Event) bool {
	r.mu.RLock()
	c := r.byUser[userID]
	r.mu.RUnlock()
	if c == nil || !c.Alive() {
		return false
	}
	return send("", c, ev)
}

func send(sessionID string, c Conn, ev Event) bool {
	if c == nil {
		return false
	}
	if err := c.Send(ev); err != nil {
		slog.Warn("presence push failed", "session_id", sessionID, "conn_id", c.ID(), "event", ev.Type, "error", err)
		return false
	}
	return true
}

// Sessions returns the number of tracked session entries.
func (r *Registry) Sessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
