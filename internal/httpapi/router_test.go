package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/persona-chat/internal/auth"
	"github.com/suPer8Hu/persona-chat/internal/chat"
	"github.com/suPer8Hu/persona-chat/internal/config"
	"github.com/suPer8Hu/persona-chat/internal/db"
	"github.com/suPer8Hu/persona-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/persona-chat/internal/models"
	"github.com/suPer8Hu/persona-chat/internal/presence"
	"github.com/suPer8Hu/persona-chat/internal/wallet"
	"gorm.io/gorm"
)

func init() { gin.SetMode(gin.TestMode) }

type apiEnv struct {
	router  *gin.Engine
	ledger  *wallet.Ledger
	user    models.User
	broke   models.User
	persona models.Persona
	agent   models.Agent
	cfg     config.Config
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))

	e := &apiEnv{
		user:    models.User{Email: "u@example.com", Username: "lonelyheart"},
		broke:   models.User{Email: "b@example.com", Username: "broke"},
		persona: models.Persona{Name: "Mia"},
		agent:   models.Agent{Name: "a"},
		cfg:     config.Config{JWTSecret: "api-secret", InternalToken: "pay-token"},
	}
	for _, rec := range []any{&e.user, &e.broke, &e.persona, &e.agent} {
		require.NoError(t, gdb.Create(rec).Error)
	}
	e.ledger = wallet.NewLedger(gdb)
	_, err = e.ledger.Credit(context.Background(), e.user.ID, 5, "seed")
	require.NoError(t, err)

	svc := chat.NewService(chat.NewRepo(gdb), e.ledger, presence.NewRegistry(), nil, chat.Options{BillingInterval: time.Hour})
	t.Cleanup(svc.Shutdown)

	h := handlers.NewHandler(gdb, e.cfg, svc, e.ledger, nil)
	e.router = NewRouter(e.cfg, h, nil)
	return e
}

func (e *apiEnv) token(t *testing.T, uid uint64, role auth.Role) string {
	t.Helper()
	tok, err := auth.SignJWT(uid, role, e.cfg.JWTSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *apiEnv) call(t *testing.T, method, path, token string, body any, headers ...string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestChatSessionLifecycle(t *testing.T) {
	e := newAPI(t)
	tok := e.token(t, e.user.ID, auth.RoleUser)

	status, env := e.call(t, http.MethodPost, "/chat/sessions", tok, gin.H{"persona_id": e.persona.ID})
	require.Equal(t, http.StatusOK, status, env.Message)
	started := decode[struct {
		SessionID string `json:"session_id"`
		Created   bool   `json:"created"`
	}](t, env.Data)
	assert.True(t, started.Created)

	// a second start returns the same session
	_, env = e.call(t, http.MethodPost, "/chat/sessions", tok, gin.H{"persona_id": e.persona.ID})
	again := decode[struct {
		SessionID string `json:"session_id"`
		Created   bool   `json:"created"`
	}](t, env.Data)
	assert.Equal(t, started.SessionID, again.SessionID)
	assert.False(t, again.Created)

	path := "/chat/sessions/" + started.SessionID
	status, first := e.call(t, http.MethodPost, path+"/messages", tok, gin.H{"content": "hello?"}, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusOK, status, first.Message)
	_, retry := e.call(t, http.MethodPost, path+"/messages", tok, gin.H{"content": "hello?"}, "Idempotency-Key", "k1")
	assert.Equal(t, decode[chat.Message](t, first.Data).ID, decode[chat.Message](t, retry.Data).ID)

	status, env = e.call(t, http.MethodGet, path+"/messages?limit=10", tok, nil)
	require.Equal(t, http.StatusOK, status)
	page := decode[struct {
		Messages []chat.Message `json:"messages"`
	}](t, env.Data)
	assert.Len(t, page.Messages, 1)

	status, env = e.call(t, http.MethodGet, path+"/typing", tok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), `"persona_typing":false`)

	status, _ = e.call(t, http.MethodPost, path+"/end", tok, nil)
	require.Equal(t, http.StatusOK, status)

	status, env = e.call(t, http.MethodPost, path+"/messages", tok, gin.H{"content": "still there?"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, 40901, env.Code)
}

func TestStartWithoutMinutes(t *testing.T) {
	e := newAPI(t)
	status, env := e.call(t, http.MethodPost, "/chat/sessions", e.token(t, e.broke.ID, auth.RoleUser), gin.H{"persona_id": e.persona.ID})
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, 40201, env.Code)
}

func TestStartUnknownPersona(t *testing.T) {
	e := newAPI(t)
	status, env := e.call(t, http.MethodPost, "/chat/sessions", e.token(t, e.user.ID, auth.RoleUser), gin.H{"persona_id": 999})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, 40004, env.Code)
}

func TestOtherUsersSessionIsHidden(t *testing.T) {
	e := newAPI(t)
	_, env := e.call(t, http.MethodPost, "/chat/sessions", e.token(t, e.user.ID, auth.RoleUser), gin.H{"persona_id": e.persona.ID})
	sid := decode[struct {
		SessionID string `json:"session_id"`
	}](t, env.Data).SessionID

	intruder := e.token(t, e.broke.ID, auth.RoleUser)
	status, _ := e.call(t, http.MethodGet, "/chat/sessions/"+sid, intruder, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = e.call(t, http.MethodPost, "/chat/sessions/"+sid+"/messages", intruder, gin.H{"content": "hi"})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestRolesAreSeparated(t *testing.T) {
	e := newAPI(t)
	agentTok := e.token(t, e.agent.ID, auth.RoleAgent)
	userTok := e.token(t, e.user.ID, auth.RoleUser)

	status, _ := e.call(t, http.MethodGet, "/wallet", agentTok, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = e.call(t, http.MethodPost, "/agent/chat/sessions/x/release", userTok, nil)
	assert.Equal(t, http.StatusForbidden, status)

	// an agent without a live binding cannot act on the session
	_, env := e.call(t, http.MethodPost, "/chat/sessions", userTok, gin.H{"persona_id": e.persona.ID})
	sid := decode[struct {
		SessionID string `json:"session_id"`
	}](t, env.Data).SessionID
	status, _ = e.call(t, http.MethodPost, "/agent/chat/sessions/"+sid+"/messages", agentTok, gin.H{"content": "hey"})
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = e.call(t, http.MethodPost, "/agent/chat/sessions/"+sid+"/release", agentTok, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestInternalCreditAndWallet(t *testing.T) {
	e := newAPI(t)

	status, _ := e.call(t, http.MethodPost, "/internal/wallet/credit", "", gin.H{"user_id": e.broke.ID, "minutes": 30})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, env := e.call(t, http.MethodPost, "/internal/wallet/credit", "", gin.H{"user_id": e.broke.ID, "minutes": 30, "reference": "order-9"},
		"X-Internal-Token", "pay-token")
	require.Equal(t, http.StatusOK, status, env.Message)
	assert.Contains(t, string(env.Data), `"balance":30`)

	status, env = e.call(t, http.MethodPost, "/internal/wallet/credit", "", gin.H{"user_id": e.broke.ID, "minutes": -3},
		"X-Internal-Token", "pay-token")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, 10003, env.Code)

	status, env = e.call(t, http.MethodGet, "/wallet", e.token(t, e.broke.ID, auth.RoleUser), nil)
	require.Equal(t, http.StatusOK, status)
	w := decode[struct {
		Balance      int                  `json:"balance"`
		Transactions []wallet.Transaction `json:"transactions"`
	}](t, env.Data)
	assert.Equal(t, 30, w.Balance)
	assert.Len(t, w.Transactions, 1)

	status, env = e.call(t, http.MethodGet, "/me", e.token(t, e.broke.ID, auth.RoleUser), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), `"chat_minutes":30`)
}

func TestUnknownRoute(t *testing.T) {
	e := newAPI(t)
	status, env := e.call(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, 40400, env.Code)
}
