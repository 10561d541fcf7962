package http

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/go-badge-sync/internal/application/badge"
	"github.com/go-badge-sync/internal/config"
	jwtinfra "github.com/go-badge-sync/internal/infrastructure/jwt"
	appmiddleware "github.com/go-badge-sync/internal/transport/http/middleware"
)

type stubResyncer struct{}

func (stubResyncer) TriggerResync() {}

func (stubResyncer) Resync(context.Context) error { return nil }

func newTestRouter(t *testing.T) (http.Handler, *jwtinfra.Provider, *badge.Engine) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p := jwtinfra.NewProviderFromKeys(key, &key.PublicKey, time.Hour)

	engine := badge.NewEngine(badge.NewHub(nil))
	limiter := appmiddleware.NewRateLimiter(rate.Limit(100), 100)
	t.Cleanup(limiter.Close)

	cfg := &config.Config{UserID: "u1", AllowedOrigins: []string{"*"}}
	return NewRouter(cfg, &Deps{Badge: engine, Resyncer: &stubResyncer{}, Verifier: p, WriteLimiter: limiter}), p, engine
}

func TestRouter_HealthIsPublic(t *testing.T) {
	h, _, _ := newTestRouter(t)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health-check/ping", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRouter_BadgeRequiresOwner(t *testing.T) {
	h, p, _ := newTestRouter(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/badge", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	other, err := p.Sign("u2", "d")
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodGet, "/v1/badge", nil)
	r.Header.Set("Authorization", "Bearer "+other)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	own, err := p.Sign("u1", "d")
	require.NoError(t, err)
	r = httptest.NewRequest(http.MethodGet, "/v1/badge", nil)
	r.Header.Set("Authorization", "Bearer "+own)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRouter_ReadAllIsNotTreatedAsID(t *testing.T) {
	h, p, _ := newTestRouter(t)
	own, err := p.Sign("u1", "d")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/v1/notifications/read-all?type=like", nil)
	r.Header.Set("Authorization", "Bearer "+own)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	assert.Equal(t, http.StatusAccepted, rr.Code)
}
