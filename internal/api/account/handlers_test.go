package account

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usernamesearch/entitlements/internal/auth"
	"github.com/usernamesearch/entitlements/internal/auth/oidc"
	"github.com/usernamesearch/entitlements/internal/config"
	"github.com/usernamesearch/entitlements/internal/db/models"
	"github.com/usernamesearch/entitlements/internal/identity"
	"github.com/usernamesearch/entitlements/internal/middleware"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Setenv(auth.JWTSecretEnv, "account-handler-test-secret-32ch!")
	os.Exit(m.Run())
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeProvider struct {
	info *oidc.UserInfo
	err  error
}

func (p *fakeProvider) GetAuthURL(state string) string {
	return "https://idp.example.com/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Authenticate(_ context.Context, code string) (*oidc.UserInfo, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.info, nil
}

type fakeUsers struct {
	mu    sync.Mutex
	plans map[string]string
}

func (u *fakeUsers) UpsertUser(_ context.Context, user *models.User) (*models.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.plans[user.ID]; !ok {
		u.plans[user.ID] = models.PlanFree
	}
	out := *user
	out.Plan = u.plans[user.ID]
	return &out, nil
}

func (u *fakeUsers) GetPlan(_ context.Context, userID string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.plans[userID], nil
}

func (u *fakeUsers) SetPlan(_ context.Context, userID, plan string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.plans[userID] = plan
	return nil
}

type noPayments struct{}

func (noPayments) HasFulfilledPayment(context.Context, string) (bool, error) { return false, nil }

type fixture struct {
	users    *fakeUsers
	states   *auth.MemoryStateStore
	provider *fakeProvider
	router   *gin.Engine
}

func newFixture(t *testing.T, provider *fakeProvider) *fixture {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.FrontendURL = "https://usernamesearch.io/"
	cfg.Auth.OIDC.ProviderName = "google"
	return newFixtureWithConfig(t, cfg, provider)
}

func newFixtureWithConfig(t *testing.T, cfg *config.Config, provider *fakeProvider) *fixture {
	t.Helper()

	f := &fixture{
		users:    &fakeUsers{plans: map[string]string{}},
		states:   auth.NewMemoryStateStore(),
		provider: provider,
	}
	sessions := identity.NewService(config.SessionConfig{PlanRefreshInterval: time.Minute}, f.users, noPayments{}, nil)

	var p Provider
	if provider != nil {
		p = provider
	}
	h := NewHandlers(cfg, p, f.states, sessions)

	r := gin.New()
	r.GET("/login", h.LoginHandler())
	r.GET("/callback", h.CallbackHandler())
	r.GET("/me", middleware.SessionAuth(sessions), h.MeHandler())
	f.router = r
	return f
}

func (f *fixture) get(path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) login(t *testing.T) string {
	t.Helper()
	w := f.get("/login", nil)
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func redirectQuery(t *testing.T, w *httptest.ResponseRecorder) url.Values {
	t.Helper()
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "https://usernamesearch.io/auth/callback", loc.Scheme+"://"+loc.Host+loc.Path)
	return loc.Query()
}

var alice = &oidc.UserInfo{Subject: "1234", Email: "alice@example.com", Name: "Alice"}

// ---------------------------------------------------------------------------
// Login / Callback
// ---------------------------------------------------------------------------

func TestSignInFlow(t *testing.T) {
	f := newFixture(t, &fakeProvider{info: alice})
	state := f.login(t)

	q := redirectQuery(t, f.get("/callback?code=abc&state="+url.QueryEscape(state), nil))
	token := q.Get("token")
	require.NotEmpty(t, token, "redirect query: %v", q)

	claims, err := auth.ValidateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "google:1234", claims.UserID)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, models.PlanFree, claims.Plan)
}

func TestCallback_StateIsSingleUse(t *testing.T) {
	f := newFixture(t, &fakeProvider{info: alice})
	state := f.login(t)

	redirectQuery(t, f.get("/callback?code=abc&state="+url.QueryEscape(state), nil))
	q := redirectQuery(t, f.get("/callback?code=abc&state="+url.QueryEscape(state), nil))
	assert.Equal(t, "invalid_state", q.Get("error"))
	assert.Empty(t, q.Get("token"))
}

func TestCallback_Errors(t *testing.T) {
	tests := []struct {
		name     string
		provider *fakeProvider
		query    func(state string) string
		wantCode string
	}{
		{"unknown state", &fakeProvider{info: alice}, func(string) string { return "?code=abc&state=forged" }, "invalid_state"},
		{"missing code", &fakeProvider{info: alice}, func(s string) string { return "?state=" + url.QueryEscape(s) }, "missing_code"},
		{"provider error", &fakeProvider{info: alice}, func(string) string { return "?error=access_denied" }, "access_denied"},
		{"verification failure", &fakeProvider{err: errors.New("bad id token")}, func(s string) string { return "?code=abc&state=" + url.QueryEscape(s) }, "authentication_failed"},
		{"incomplete identity", &fakeProvider{info: &oidc.UserInfo{Subject: "1"}}, func(s string) string { return "?code=abc&state=" + url.QueryEscape(s) }, "session_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.provider)
			state := f.login(t)
			q := redirectQuery(t, f.get("/callback"+tt.query(state), nil))
			assert.Equal(t, tt.wantCode, q.Get("error"))
			assert.Empty(t, q.Get("token"))
		})
	}
}

func TestCallback_NoFrontendReturnsJSON(t *testing.T) {
	cfg := &config.Config{}
	cfg.Auth.OIDC.ProviderName = "google"
	f := newFixtureWithConfig(t, cfg, &fakeProvider{info: alice})
	state := f.login(t)

	w := f.get("/callback?code=abc&state="+url.QueryEscape(state), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, w.Header().Get("Location"))

	var sess identity.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, "google:1234", sess.UserID)
	assert.Equal(t, models.PlanFree, sess.Plan)
	claims, err := auth.ValidateJWT(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", claims.Email)
}

func TestLogin_NotConfigured(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, f.get("/login", nil).Code)

	q := redirectQuery(t, f.get("/callback?code=abc&state=x", nil))
	assert.Equal(t, "provider_not_configured", q.Get("error"))
}

// ---------------------------------------------------------------------------
// Me
// ---------------------------------------------------------------------------

func TestMe_RefreshesStalePlan(t *testing.T) {
	f := newFixture(t, &fakeProvider{info: alice})
	f.users.plans["google:1234"] = models.PlanPro

	stale, err := auth.GenerateJWT("google:1234", "alice@example.com", models.PlanFree, time.Now().Add(-time.Hour), time.Hour)
	require.NoError(t, err)

	w := f.get("/me", http.Header{"Authorization": {"Bearer " + stale}})
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, models.PlanPro, body["plan"])
	assert.Equal(t, "google:1234", body["user_id"])

	fresh := w.Header().Get(middleware.SessionTokenHeader)
	require.NotEmpty(t, fresh)
	assert.Equal(t, fresh, body["token"])
	claims, err := auth.ValidateJWT(fresh)
	require.NoError(t, err)
	assert.Equal(t, models.PlanPro, claims.Plan)
}

func TestMe_FreshSessionPassesThrough(t *testing.T) {
	f := newFixture(t, &fakeProvider{info: alice})
	token, err := auth.GenerateJWT("google:1234", "alice@example.com", models.PlanFree, time.Now(), time.Hour)
	require.NoError(t, err)

	w := f.get("/me", http.Header{"Authorization": {"Bearer " + token}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get(middleware.SessionTokenHeader))
}

func TestMe_RequiresSession(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusUnauthorized, f.get("/me", nil).Code)
}

// ---------------------------------------------------------------------------
// deriveFrontendURL
// ---------------------------------------------------------------------------

func TestDeriveFrontendURL(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.BaseURL = "http://localhost:8080/"
	assert.Equal(t, "http://localhost:8080", deriveFrontendURL(cfg))

	cfg.Auth.OIDC.RedirectURL = "https://app.example.com/api/v1/auth/callback"
	assert.Equal(t, "https://app.example.com", deriveFrontendURL(cfg))

	cfg.Server.FrontendURL = "https://usernamesearch.io/"
	assert.Equal(t, "https://usernamesearch.io", deriveFrontendURL(cfg))
}
