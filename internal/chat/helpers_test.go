package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/persona-chat/internal/models"
	"github.com/suPer8Hu/persona-chat/internal/presence"
	"github.com/suPer8Hu/persona-chat/internal/wallet"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&models.User{}, &models.Persona{}, &models.Agent{},
		&wallet.Wallet{}, &wallet.Transaction{},
		&Session{}, &Message{}, &BillingTracker{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []presence.Event
	dead   bool
}

func newConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev presence.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return errors.New("connection closed")
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

func (c *fakeConn) ofType(typ string) []presence.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []presence.Event
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

// confirmingConn acknowledges the first limit confirmed writes and then
// reports a write failure.
type confirmingConn struct {
	*fakeConn
	limit   int
	written int
}

func (c *confirmingConn) Deliver(ctx context.Context, ev presence.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.written >= c.limit {
		return errors.New("write timeout")
	}
	c.written++
	return c.Send(ev)
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) NotifyAgentsNeeded(ctx context.Context, sessionID, userName string) {
	_ = ctx
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, sessionID+"|"+userName)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type fixture struct {
	db       *gorm.DB
	repo     *Repo
	ledger   *wallet.Ledger
	reg      *presence.Registry
	notifier *recordingNotifier
	svc      *Service
	user     models.User
	persona  models.Persona
	agentA   models.Agent
	agentB   models.Agent
}

// newFixture builds a service whose clock never fires on its own; tests
// drive billing through Tick.
func newFixture(t *testing.T, balance int) *fixture {
	t.Helper()
	db := openTestDB(t)
	f := &fixture{
		db:       db,
		repo:     NewRepo(db),
		ledger:   wallet.NewLedger(db),
		reg:      presence.NewRegistry(),
		notifier: &recordingNotifier{},
		user:     models.User{Email: "u1@example.com", Username: "lonelyheart"},
		persona:  models.Persona{Name: "Mia"},
		agentA:   models.Agent{Name: "agent-a"},
		agentB:   models.Agent{Name: "agent-b"},
	}
	for _, rec := range []any{&f.user, &f.persona, &f.agentA, &f.agentB} {
		if err := db.Create(rec).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if balance > 0 {
		if _, err := f.ledger.Credit(context.Background(), f.user.ID, balance, "seed"); err != nil {
			t.Fatalf("credit: %v", err)
		}
	}
	f.svc = NewService(f.repo, f.ledger, f.reg, f.notifier, Options{BillingInterval: time.Hour})
	t.Cleanup(f.svc.Shutdown)
	return f
}

func (f *fixture) start(t *testing.T) *Session {
	t.Helper()
	sess, _, err := f.svc.Start(context.Background(), f.user.ID, f.persona.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return sess
}

func (f *fixture) balance(t *testing.T) int {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), f.user.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func (f *fixture) reload(t *testing.T, sessionID string) *Session {
	t.Helper()
	sess, err := f.repo.GetSessionBySessionID(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("reload session: %v", err)
	}
	return sess
}

func (f *fixture) asPersona(agentID uint64) Author {
	return PersonaAuthor(f.persona.ID, agentID)
}

// coPresent joins a user and agentA and has the agent send the first,
// billing message.
func (f *fixture) coPresent(t *testing.T) (*Session, *fakeConn, *fakeConn) {
	t.Helper()
	ctx := context.Background()
	sess := f.start(t)
	u := newConn("user")
	a := newConn("agent-a")
	if _, err := f.svc.UserJoin(ctx, sess.SessionID, f.user.ID, u); err != nil {
		t.Fatalf("user join: %v", err)
	}
	if _, err := f.svc.AgentJoin(ctx, sess.SessionID, f.agentA.ID, a); err != nil {
		t.Fatalf("agent join: %v", err)
	}
	if _, err := f.svc.SendMessage(ctx, SendInput{
		SessionID: sess.SessionID,
		Author:    f.asPersona(f.agentA.ID),
		Content:   "hey you",
	}); err != nil {
		t.Fatalf("first agent message: %v", err)
	}
	return sess, u, a
}
