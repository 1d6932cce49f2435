package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/assetgate/internal/authz"
	"github.com/odyssey-erp/assetgate/internal/shared"
)

const secret = "a-test-secret-that-is-32-bytes-!!"

func newManager(t *testing.T) (*TokenManager, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	m, err := NewTokenManager(secret, "assetgate", time.Hour, clk)
	require.NoError(t, err)
	return m, clk
}

func TestIssueAndParse(t *testing.T) {
	m, _ := newManager(t)
	token, err := m.Issue(authz.Principal{ID: "42", Role: authz.RoleTeacher, TenantID: "school-9"})
	require.NoError(t, err)

	p, err := m.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, authz.Principal{ID: "42", Role: authz.RoleTeacher, TenantID: "school-9"}, p)
}

func TestParseRejects(t *testing.T) {
	m, clk := newManager(t)
	valid, err := m.Issue(authz.Principal{ID: "42", Role: authz.RoleTeacher})
	require.NoError(t, err)

	other, err := NewTokenManager("another-secret-that-is-32-bytes!!", "assetgate", time.Hour, clk)
	require.NoError(t, err)
	foreign, err := other.Issue(authz.Principal{ID: "42", Role: authz.RoleAdministrator})
	require.NoError(t, err)

	badRole, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Role: "janitor",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "1", Issuer: "assetgate", ExpiresAt: jwt.NewNumericDate(clk.Now().Add(time.Minute)),
		},
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		Role: "administrator",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "1", Issuer: "assetgate", ExpiresAt: jwt.NewNumericDate(clk.Now().Add(time.Minute)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":      "not.a.token",
		"wrong secret": foreign,
		"unknown role": badRole,
		"alg none":     none,
	} {
		_, err := m.Parse(token)
		assert.ErrorIs(t, err, shared.ErrUnauthenticated, name)
	}

	clk.Add(2 * time.Hour)
	_, err = m.Parse(valid)
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)
}

func TestNewTokenManagerRequiresLongSecret(t *testing.T) {
	_, err := NewTokenManager("short", "", time.Hour, nil)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	m, _ := newManager(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var seen authz.Principal
	handler := Middleware(m, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = authz.PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer nonsense")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := m.Issue(authz.Principal{ID: "7", Role: authz.RolePublisher})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "7", seen.ID)
	assert.Equal(t, authz.RolePublisher, seen.Role)
}
