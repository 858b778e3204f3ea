package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/example/logica/internal/account"
	cfg "github.com/example/logica/internal/config"
	"github.com/example/logica/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func testConfig() *cfg.Config {
	return &cfg.Config{
		HTTP: cfg.HTTPConfig{Port: "8080", FrontendURL: "http://front.example/"},
		DB:   cfg.DBConfig{Adapter: "memory"},
		Security: cfg.SecurityConfig{
			BcryptCost:         bcrypt.MinCost,
			StateSecret:        "test-secret",
			RateLimitPerMinute: 1000,
		},
		Directory: cfg.DirectoryConfig{Policies: []string{
			"manager:accounts:list",
			"manager:accounts:search",
			"administrator:accounts:list",
			"administrator:accounts:search",
			"administrator:accounts:approve",
		}},
	}
}

type testServer struct {
	app     *App
	db      *store.MemDB
	handler http.Handler
}

func newTestServer(t *testing.T, mutate func(*cfg.Config)) *testServer {
	t.Helper()
	c := testConfig()
	if mutate != nil {
		mutate(c)
	}
	db := store.NewMemoryDB()
	app, err := newApp(c, db, zap.NewNop())
	require.NoError(t, err)
	return &testServer{app: app, db: db, handler: newRouter(app)}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func registration(name, email, phone string) map[string]string {
	return map[string]string{
		"name":                  name,
		"email":                 email,
		"password":              "password123",
		"password_confirmation": "password123",
		"phone":                 phone,
	}
}

func (s *testServer) approve(t *testing.T, email string) {
	t.Helper()
	a, err := s.db.AccountByEmail(context.Background(), email)
	require.NoError(t, err)
	a.Approved = true
	require.NoError(t, s.db.UpdateAccount(context.Background(), a))
}

func (s *testServer) setRole(t *testing.T, email string, role account.Role) {
	t.Helper()
	a, err := s.db.AccountByEmail(context.Background(), email)
	require.NoError(t, err)
	a.Role = role
	require.NoError(t, s.db.UpdateAccount(context.Background(), a))
}

// signIn registers, approves and logs in an account, returning its token.
func (s *testServer) signIn(t *testing.T, name, email, phone string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/register", registration(name, email, phone), "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	s.approve(t, email)
	return s.login(t, email, "password123")
}

func (s *testServer) login(t *testing.T, email, password string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/login", map[string]string{"email": email, "password": password}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		AccessToken string `json:"access_token"`
	}
	decodeBody(t, rec, &body)
	return body.AccessToken
}

func TestRegisterLoginLogout(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/register", registration("Ana", "ana@example.com", "910000001"), "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
	var reg struct {
		Message string          `json:"message"`
		User    account.Account `json:"user"`
	}
	decodeBody(t, rec, &reg)
	assert.NotEmpty(t, reg.Message)
	assert.Equal(t, "ana@example.com", reg.User.Email)
	assert.False(t, reg.User.Approved)
	assert.Equal(t, account.RoleStandard, reg.User.Role)

	rec = s.do(t, http.MethodPost, "/api/login", map[string]string{"email": "ana@example.com", "password": "password123"}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var apiErr APIError
	decodeBody(t, rec, &apiErr)
	assert.Equal(t, "PENDING_APPROVAL", apiErr.Code)

	s.approve(t, "ana@example.com")
	rec = s.do(t, http.MethodPost, "/api/login", map[string]string{"email": "ana@example.com", "password": "password123"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var session struct {
		Message     string          `json:"message"`
		AccessToken string          `json:"access_token"`
		TokenType   string          `json:"token_type"`
		User        account.Account `json:"user"`
	}
	decodeBody(t, rec, &session)
	assert.NotEmpty(t, session.Message)
	assert.Equal(t, "Bearer", session.TokenType)
	assert.Equal(t, "ana@example.com", session.User.Email)
	assert.NotContains(t, rec.Body.String(), "password")

	rec = s.do(t, http.MethodGet, "/api/me", nil, session.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var me account.Account
	decodeBody(t, rec, &me)
	assert.Equal(t, session.User.ID, me.ID)

	rec = s.do(t, http.MethodPost, "/api/logout", nil, session.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/me", nil, session.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginReplacesToken(t *testing.T) {
	s := newTestServer(t, nil)
	first := s.signIn(t, "Ana", "ana@example.com", "910000001")
	second := s.login(t, "ana@example.com", "password123")

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/me", nil, first).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/me", nil, second).Code)
}

func TestRegisterErrors(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/register", registration("Ana", "ana@example.com", "910000001"), "").Code)

	rec := s.do(t, http.MethodPost, "/api/register", registration("Bea", "ana@example.com", "910000002"), "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var apiErr APIError
	decodeBody(t, rec, &apiErr)
	assert.Equal(t, "VALIDATION_FAILED", apiErr.Code)
	assert.Equal(t, []string{"has already been taken"}, apiErr.Errors["email"])
	assert.NotContains(t, apiErr.Errors, "name")

	rec = s.do(t, http.MethodPost, "/api/register", map[string]string{"email": "bad"}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	decodeBody(t, rec, &apiErr)
	assert.Contains(t, apiErr.Errors, "name")
	assert.Contains(t, apiErr.Errors, "email")

	rec = s.do(t, http.MethodPost, "/api/register", "{not json", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginErrors(t *testing.T) {
	s := newTestServer(t, nil)
	s.signIn(t, "Ana", "ana@example.com", "910000001")

	for _, creds := range []map[string]string{
		{"email": "ana@example.com", "password": "wrong-password"},
		{"email": "nobody@example.com", "password": "password123"},
	} {
		rec := s.do(t, http.MethodPost, "/api/login", creds, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		var apiErr APIError
		decodeBody(t, rec, &apiErr)
		assert.Equal(t, "INVALID_CREDENTIALS", apiErr.Code)
	}

	rec := s.do(t, http.MethodPost, "/api/login", nil, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAuthenticationRequired(t *testing.T) {
	s := newTestServer(t, nil)
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/logout"},
		{http.MethodGet, "/api/me"},
		{http.MethodPut, "/api/profile"},
		{http.MethodPut, "/api/password"},
		{http.MethodDelete, "/api/account"},
		{http.MethodGet, "/api/users"},
		{http.MethodGet, "/api/users/search"},
		{http.MethodPatch, "/api/accounts/1/approval"},
	} {
		rec := s.do(t, tc.method, tc.path, nil, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
		rec = s.do(t, tc.method, tc.path, nil, "bogus")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
	}
}

func TestUpdateProfile(t *testing.T) {
	s := newTestServer(t, nil)
	token := s.signIn(t, "Ana", "ana@example.com", "910000001")
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/register", registration("Bea", "bea@example.com", "910000002"), "").Code)

	rec := s.do(t, http.MethodPut, "/api/profile", map[string]string{"name": "Ana Maria"}, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		User account.Account `json:"user"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, "Ana Maria", body.User.Name)
	assert.Equal(t, "ana@example.com", body.User.Email)

	rec = s.do(t, http.MethodPut, "/api/profile", map[string]string{"phone": "910000002"}, token)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var apiErr APIError
	decodeBody(t, rec, &apiErr)
	assert.Contains(t, apiErr.Errors, "phone")

	// an unchanged email is not a conflict
	rec = s.do(t, http.MethodPut, "/api/profile", map[string]string{"email": "ana@example.com"}, token)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChangePassword(t *testing.T) {
	s := newTestServer(t, nil)
	token := s.signIn(t, "Ana", "ana@example.com", "910000001")

	rec := s.do(t, http.MethodPut, "/api/password", map[string]string{
		"current_password":      "wrong-password",
		"password":              "new-password",
		"password_confirmation": "new-password",
	}, token)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var apiErr APIError
	decodeBody(t, rec, &apiErr)
	assert.Equal(t, "CURRENT_PASSWORD_MISMATCH", apiErr.Code)

	rec = s.do(t, http.MethodPut, "/api/password", map[string]string{
		"current_password":      "password123",
		"password":              "new-password",
		"password_confirmation": "new-password",
	}, token)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/login", map[string]string{"email": "ana@example.com", "password": "password123"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	s.login(t, "ana@example.com", "new-password")
}

func TestDeleteAccount(t *testing.T) {
	s := newTestServer(t, nil)
	token := s.signIn(t, "Ana", "ana@example.com", "910000001")

	require.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, "/api/account", nil, token).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/me", nil, token).Code)

	rec := s.do(t, http.MethodPost, "/api/register", registration("Ana", "ana@example.com", "910000001"), "")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestDirectory(t *testing.T) {
	s := newTestServer(t, nil)
	userToken := s.signIn(t, "Ana", "ana@example.com", "910000001")
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/register", registration("Bea", "bea@corp.example", "910000002"), "").Code)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/register", registration("Carla", "carla@example.com", "910000003"), "").Code)
	s.setRole(t, "carla@example.com", account.RoleManager)
	s.approve(t, "carla@example.com")
	mgrToken := s.login(t, "carla@example.com", "password123")

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/users", nil, userToken).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/users/search?query=a", nil, userToken).Code)

	rec := s.do(t, http.MethodGet, "/api/users", nil, mgrToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var all []account.Account
	decodeBody(t, rec, &all)
	assert.Len(t, all, 3)
	assert.NotContains(t, rec.Body.String(), "password")

	rec = s.do(t, http.MethodGet, "/api/users/search?query=CORP", nil, mgrToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var found []account.Account
	decodeBody(t, rec, &found)
	require.Len(t, found, 1)
	assert.Equal(t, "Bea", found[0].Name)

	rec = s.do(t, http.MethodGet, "/api/users/search?query=nothing-matches", nil, mgrToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestDirectoryWithoutPolicies(t *testing.T) {
	s := newTestServer(t, func(c *cfg.Config) { c.Directory.Policies = nil })
	s.do(t, http.MethodPost, "/api/register", registration("Ana", "ana@example.com", "910000001"), "")
	s.setRole(t, "ana@example.com", account.RoleAdministrator)
	s.approve(t, "ana@example.com")
	token := s.login(t, "ana@example.com", "password123")

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/users", nil, token).Code)
}

func TestSetApproval(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, http.MethodPost, "/api/register", registration("Admin", "admin@example.com", "910000001"), "")
	s.setRole(t, "admin@example.com", account.RoleAdministrator)
	s.approve(t, "admin@example.com")
	adminToken := s.login(t, "admin@example.com", "password123")

	rec := s.do(t, http.MethodPost, "/api/register", registration("Ana", "ana@example.com", "910000002"), "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var reg struct {
		User account.Account `json:"user"`
	}
	decodeBody(t, rec, &reg)
	path := "/api/accounts/" + strconv.FormatInt(reg.User.ID, 10) + "/approval"

	assert.Equal(t, http.StatusUnprocessableEntity, s.do(t, http.MethodPatch, path, map[string]string{}, adminToken).Code)

	rec = s.do(t, http.MethodPatch, path, map[string]bool{"approved": true}, adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	userToken := s.login(t, "ana@example.com", "password123")

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPatch, path, map[string]bool{"approved": true}, userToken).Code)

	rec = s.do(t, http.MethodPatch, path, map[string]bool{"approved": false}, adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/me", nil, userToken).Code)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPatch, "/api/accounts/999/approval", map[string]bool{"approved": true}, adminToken).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPatch, "/api/accounts/abc/approval", map[string]bool{"approved": true}, adminToken).Code)
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/ready", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ready":true}`, rec.Body.String())
}

func TestReadyReportsStoreDown(t *testing.T) {
	c := testConfig()
	sqlite, err := store.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	app, err := newApp(c, sqlite, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, sqlite.Close())

	rec := httptest.NewRecorder()
	newRouter(app).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(account.ValidationError(map[string]string{"x": "y"})))
	assert.Equal(t, http.StatusUnauthorized, statusFor(account.ErrInvalidCredentials))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(account.ErrCurrentPasswordMismatch))
	assert.Equal(t, http.StatusForbidden, statusFor(account.ErrPendingApproval))
	assert.Equal(t, http.StatusNotFound, statusFor(account.ErrNotFound))
	assert.Equal(t, http.StatusBadGateway, statusFor(account.ErrProvider))
	assert.Equal(t, http.StatusInternalServerError, statusFor(context.DeadlineExceeded))
}

func TestTokenTTL(t *testing.T) {
	s := newTestServer(t, func(c *cfg.Config) { c.Security.TokenTTL = time.Nanosecond })
	token := s.signIn(t, "Ana", "ana@example.com", "910000001")
	time.Sleep(time.Millisecond)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/me", nil, token).Code)
}
