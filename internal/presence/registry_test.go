package presence

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []Event
	dead   bool
	fail   bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dead
}

func (c *fakeConn) kill() {
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
}

func TestJoinAndCopresence(t *testing.T) {
	r := NewRegistry()
	pair := PairKey{UserID: 1, PersonaID: 2}
	u := &fakeConn{id: "u"}
	a := &fakeConn{id: "a"}

	r.JoinUser("s1", pair, u)
	assert.False(t, r.Copresent("s1"))
	assert.Same(t, u, r.UserConn("s1"))

	_, ok := r.JoinAgent("s1", pair, 10, a)
	require.True(t, ok)
	assert.True(t, r.Copresent("s1"))

	conn, agentID := r.AgentConn("s1")
	assert.Same(t, a, conn)
	assert.Equal(t, uint64(10), agentID)

	holder, held := r.LockHolder(pair)
	assert.True(t, held)
	assert.Equal(t, "s1", holder)
}

func TestJoinAgent_ConflictOnOtherSession(t *testing.T) {
	r := NewRegistry()
	pair := PairKey{UserID: 1, PersonaID: 2}
	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}

	_, ok := r.JoinAgent("s1", pair, 10, a)
	require.True(t, ok)

	conflict, ok := r.JoinAgent("s2", pair, 11, b)
	assert.False(t, ok)
	assert.Equal(t, "s1", conflict)

	c, _ := r.AgentConn("s2")
	assert.Nil(t, c, "rejected join must leave no presence behind")
}

func TestJoinAgent_ConflictOnSameSession(t *testing.T) {
	r := NewRegistry()
	pair := PairKey{UserID: 1, PersonaID: 2}

	_, ok := r.JoinAgent("s1", pair, 10, &fakeConn{id: "a"})
	require.True(t, ok)

	conflict, ok := r.JoinAgent("s1", pair, 11, &fakeConn{id: "b"})
	assert.False(t, ok)
	assert.Equal(t, "s1", conflict)
}

func TestJoinAgent_StaleHolderIsReplaced(t *testing.T) {
	r := NewRegistry()
	pair := PairKey{UserID: 1, PersonaID: 2}
	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}

	_, ok := r.JoinAgent("s1", pair, 10, a)
	require.True(t, ok)
	a.kill()

	_, ok = r.JoinAgent("s1", pair, 11, b)
	require.True(t, ok)
	conn, agentID := r.AgentConn("s1")
	assert.Same(t, b, conn)
	assert.Equal(t, uint64(11), agentID)
}

func TestJoinAgent_SameAgentReconnects(t *testing.T) {
	r := NewRegistry()
	pair := PairKey{UserID: 1, PersonaID: 2}
	old := &fakeConn{id: "old"}
	fresh := &fakeConn{id: "fresh"}

	_, ok := r.JoinAgent("s1", pair, 10, old)
	require.True(t, ok)
	_, ok = r.JoinAgent("s1", pair, 10, fresh)
	require.True(t, ok)

	// the old socket closing late must not evict the new one
	assert.False(t, r.LeaveAgent("s1", old))
	conn, _ := r.AgentConn("s1")
	assert.Same(t, fresh, conn)
}

func TestLeaveAgent_ReleasesLock(t *testing.T) {
	r := NewRegistry()
	pair := PairKey{UserID: 1, PersonaID: 2}
	a := &fakeConn{id: "a"}
	r.JoinUser("s1", pair, &fakeConn{id: "u"})
	_, ok := r.JoinAgent("s1", pair, 10, a)
	require.True(t, ok)

	require.True(t, r.LeaveAgent("s1", a))
	_, held := r.LockHolder(pair)
	assert.False(t, held)
	assert.NotNil(t, r.UserConn("s1"), "user side stays")

	_, ok = r.JoinAgent("s2", pair, 11, &fakeConn{id: "b"})
	assert.True(t, ok)
}

func TestDrop_RemovesEverything(t *testing.T) {
	r := NewRegistry()
	pair := PairKey{UserID: 1, PersonaID: 2}
	r.JoinUser("s1", pair, &fakeConn{id: "u"})
	_, _ = r.JoinAgent("s1", pair, 10, &fakeConn{id: "a"})

	r.Drop("s1")
	assert.Equal(t, 0, r.Sessions())
	assert.Nil(t, r.UserConn("s1"))
	assert.False(t, r.SendToUser(1, Event{Type: "balance_update"}))
	_, held := r.LockHolder(pair)
	assert.False(t, held)
}

func TestLeaveUser_PrunesEmptyEntry(t *testing.T) {
	r := NewRegistry()
	u := &fakeConn{id: "u"}
	r.JoinUser("s1", PairKey{UserID: 1, PersonaID: 2}, u)

	assert.False(t, r.LeaveUser("s1", &fakeConn{id: "other"}))
	assert.True(t, r.LeaveUser("s1", u))
	assert.Equal(t, 0, r.Sessions())
}

func TestBroadcast_SkipsDeadAndFailing(t *testing.T) {
	r := NewRegistry()
	pair := PairKey{UserID: 1, PersonaID: 2}
	u := &fakeConn{id: "u"}
	a := &fakeConn{id: "a", fail: true}
	r.JoinUser("s1", pair, u)
	_, _ = r.JoinAgent("s1", pair, 10, a)

	r.Broadcast("s1", Event{Type: "balance_update"})
	require.Len(t, u.events, 1)
	assert.Equal(t, "balance_update", u.events[0].Type)

	u.kill()
	assert.False(t, r.SendUser("s1", Event{Type: "x"}))
	assert.False(t, r.SendToUser(1, Event{Type: "x"}))
}
