package auth_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"log/slog"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	authhttp "sessiond/internal/http/auth"
	"sessiond/internal/lib/jwt"
	"sessiond/internal/services/session"
	"sessiond/internal/storage/memory"
)

type nopMailer struct{}

func (nopMailer) SendPasswordReset(_ context.Context, _, _ string) error { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store := memory.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := jwt.NewManager(gofakeit.LetterN(32))

	svc := session.New(
		log,
		store, store, store,
		store, store, store, store,
		tokens,
		nil,
		nopMailer{},
		time.Minute,
		7*24*time.Hour,
		30*24*time.Hour,
		15*time.Minute,
		bcrypt.MinCost,
		"https://app.example.com/reset-password",
	)

	srv := authhttp.New(log, svc, tokens, "local", "*", 5*time.Second)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body map[string]any, cookies ...*http.Cookie) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))

	req, err := http.NewRequest(http.MethodPost, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)

	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func refreshCookieFrom(t *testing.T, resp *http.Response) *http.Cookie {
	t.Helper()

	for _, c := range resp.Cookies() {
		if c.Name == "refreshToken" {
			return c
		}
	}
	t.Fatal("no refreshToken cookie in response")
	return nil
}

func TestRegisterLoginRefresh(t *testing.T) {
	ts := newTestServer(t)

	email := gofakeit.Email()
	pass := gofakeit.Password(true, true, true, true, false, 12)

	resp := postJSON(t, ts, "/api/register", map[string]any{
		"name":     gofakeit.Name(),
		"email":    email,
		"password": pass,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	regCookie := refreshCookieFrom(t, resp)
	assert.True(t, regCookie.HttpOnly)
	assert.Equal(t, "/", regCookie.Path)
	assert.NotEmpty(t, regCookie.Value)

	body := decodeBody(t, resp)
	assert.NotEmpty(t, body["accessToken"])
	assert.NotEmpty(t, body["userId"])

	// duplicate registration
	resp = postJSON(t, ts, "/api/register", map[string]any{
		"name":     gofakeit.Name(),
		"email":    email,
		"password": pass,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/login", map[string]any{
		"email":    email,
		"password": pass,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	loginCookie := refreshCookieFrom(t, resp)
	resp.Body.Close()

	// refresh rotates the cookie
	resp = postJSON(t, ts, "/api/refresh", map[string]any{}, loginCookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rotated := refreshCookieFrom(t, resp)
	assert.NotEqual(t, loginCookie.Value, rotated.Value)
	body = decodeBody(t, resp)
	assert.NotEmpty(t, body["accessToken"])

	// replaying the consumed cookie is rejected and the cookie is cleared
	resp = postJSON(t, ts, "/api/refresh", map[string]any{}, loginCookie)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	cleared := refreshCookieFrom(t, resp)
	assert.Empty(t, cleared.Value)
	resp.Body.Close()
}

func TestLogin_BadCredentials(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/login", map[string]any{
		"email":    gofakeit.Email(),
		"password": "whatever1!",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "invalid email or password", body["error"])
}

func TestRefresh_NoCookie(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/refresh", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestLogout(t *testing.T) {
	ts := newTestServer(t)

	email := gofakeit.Email()
	pass := gofakeit.Password(true, true, true, true, false, 12)

	resp := postJSON(t, ts, "/api/register", map[string]any{
		"name":     gofakeit.Name(),
		"email":    email,
		"password": pass,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	cookie := refreshCookieFrom(t, resp)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/logout", map[string]any{}, cookie)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, refreshCookieFrom(t, resp).Value)
	resp.Body.Close()

	// the revoked cookie no longer refreshes
	resp = postJSON(t, ts, "/api/refresh", map[string]any{}, cookie)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// logout without a cookie is still a 204
	resp = postJSON(t, ts, "/api/logout", map[string]any{})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}

func TestForgotPassword_AlwaysOK(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/forgot-password", map[string]any{
		"email": gofakeit.Email(),
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestChangePassword(t *testing.T) {
	ts := newTestServer(t)

	email := gofakeit.Email()
	pass := gofakeit.Password(true, true, true, true, false, 12)
	newPass := gofakeit.Password(true, true, true, true, false, 12)

	resp := postJSON(t, ts, "/api/register", map[string]any{
		"name":     gofakeit.Name(),
		"email":    email,
		"password": pass,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	access, _ := body["accessToken"].(string)
	require.NotEmpty(t, access)

	// no bearer token
	resp = postJSON(t, ts, "/api/change-password", map[string]any{
		"currentPassword": pass,
		"newPassword":     newPass,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(map[string]any{
		"currentPassword": pass,
		"newPassword":     newPass,
	}))
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/change-password", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+access)

	authed, err := ts.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, authed.StatusCode)
	authed.Body.Close()

	resp = postJSON(t, ts, "/api/login", map[string]any{
		"email":    email,
		"password": newPass,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestGoogleSignIn_Disabled(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/google", map[string]any{
		"idToken": "anything",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}
