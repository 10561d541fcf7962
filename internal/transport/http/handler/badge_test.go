package handler

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/go-badge-sync/internal/application/badge"
	"github.com/go-badge-sync/internal/domain"
	jwtinfra "github.com/go-badge-sync/internal/infrastructure/jwt"
	"github.com/go-badge-sync/internal/transport/http/middleware"
)

// --- mocks ---

type mockBadgeSvc struct{ mock.Mock }

func (m *mockBadgeSvc) Count() domain.BadgeCount {
	return m.Called().Get(0).(domain.BadgeCount)
}

func (m *mockBadgeSvc) Stats() domain.EngineStats {
	return m.Called().Get(0).(domain.EngineStats)
}

func (m *mockBadgeSvc) State() domain.ConnState {
	return m.Called().Get(0).(domain.ConnState)
}

func (m *mockBadgeSvc) Lookup(notificationID string) (domain.Notification, bool) {
	args := m.Called(notificationID)
	return args.Get(0).(domain.Notification), args.Bool(1)
}

func (m *mockBadgeSvc) MarkRead(notificationID string) error {
	return m.Called(notificationID).Error(0)
}

func (m *mockBadgeSvc) MarkAllRead(category *domain.Category) error {
	return m.Called(category).Error(0)
}

func (m *mockBadgeSvc) Subscribe(fn badge.Observer) func() {
	m.Called(fn)
	return func() {}
}

type mockResyncer struct{ mock.Mock }

func (m *mockResyncer) TriggerResync() { m.Called() }

func (m *mockResyncer) Resync(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// --- helpers ---

func newTestJWTProvider(t *testing.T) *jwtinfra.Provider {
	t.Helper()
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return jwtinfra.NewProviderFromKeys(privKey, &privKey.PublicKey, time.Hour)
}

func bearerReq(t *testing.T, p *jwtinfra.Provider, method, target, userID string) *http.Request {
	t.Helper()
	token, err := p.Sign(userID, "dev1")
	require.NoError(t, err)
	r := httptest.NewRequest(method, target, nil)
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

// withChiID injects a chi URL param "id" into the request context.
func withChiID(r *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// serveAuthed wraps the handler with the auth and subject middleware before serving.
func serveAuthed(p *jwtinfra.Provider, owner string, h http.Handler, w http.ResponseWriter, r *http.Request) {
	middleware.Auth(p)(middleware.RequireSubject(owner)(h)).ServeHTTP(w, r)
}

func badgeOf(total int) domain.BadgeCount {
	return domain.BadgeCount{Total: total, ByType: map[domain.Category]int{domain.CategoryLike: total}, Version: 1}
}

// --- Get / Stats ---

func TestBadgeGet_HappyPath(t *testing.T) {
	p := newTestJWTProvider(t)
	svc := &mockBadgeSvc{}
	svc.On("Count").Return(badgeOf(3))
	svc.On("State").Return(domain.StateSynced)
	h := NewBadgeHandler(svc, &mockResyncer{})

	rr := httptest.NewRecorder()
	serveAuthed(p, "u1", http.HandlerFunc(h.Get), rr, bearerReq(t, p, http.MethodGet, "/v1/badge", "u1"))

	assert.Equal(t, http.StatusOK, rr.Code)
	var resp BadgeEnvelope
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, 3, resp.Badge.Total)
	assert.Equal(t, 3, resp.Badge.ByType[domain.CategoryLike])
	assert.Equal(t, "synced", resp.State)
	svc.AssertExpectations(t)
}

func TestBadgeGet_OtherUserForbidden(t *testing.T) {
	p := newTestJWTProvider(t)
	svc := &mockBadgeSvc{}
	h := NewBadgeHandler(svc, &mockResyncer{})

	rr := httptest.NewRecorder()
	serveAuthed(p, "u1", http.HandlerFunc(h.Get), rr, bearerReq(t, p, http.MethodGet, "/v1/badge", "u2"))

	assert.Equal(t, http.StatusForbidden, rr.Code)
	svc.AssertNotCalled(t, "Count")
}

func TestBadgeGet_NoToken(t *testing.T) {
	p := newTestJWTProvider(t)
	h := NewBadgeHandler(&mockBadgeSvc{}, &mockResyncer{})

	rr := httptest.NewRecorder()
	serveAuthed(p, "u1", http.HandlerFunc(h.Get), rr, httptest.NewRequest(http.MethodGet, "/v1/badge", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestBadgeStats(t *testing.T) {
	svc := &mockBadgeSvc{}
	svc.On("Stats").Return(domain.EngineStats{State: "synced", Records: 4, Malformed: 2})
	h := NewBadgeHandler(svc, &mockResyncer{})

	rr := httptest.NewRecorder()
	h.Stats(rr, httptest.NewRequest(http.MethodGet, "/v1/badge/stats", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	var resp domain.EngineStats
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, 4, resp.Records)
	assert.EqualValues(t, 2, resp.Malformed)
}

// --- notifications ---

func TestGetNotification_NotTracked(t *testing.T) {
	svc := &mockBadgeSvc{}
	svc.On("Lookup", "n9").Return(domain.Notification{}, false)
	h := NewBadgeHandler(svc, &mockResyncer{})

	rr := httptest.NewRecorder()
	h.GetNotification(rr, withChiID(httptest.NewRequest(http.MethodGet, "/v1/notifications/n9", nil), "n9"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetNotification_HappyPath(t *testing.T) {
	svc := &mockBadgeSvc{}
	svc.On("Lookup", "n1").Return(domain.Notification{ID: "n1", Category: domain.CategoryFollow}, true)
	h := NewBadgeHandler(svc, &mockResyncer{})

	rr := httptest.NewRecorder()
	h.GetNotification(rr, withChiID(httptest.NewRequest(http.MethodGet, "/v1/notifications/n1", nil), "n1"))

	assert.Equal(t, http.StatusOK, rr.Code)
	var resp domain.Notification
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, domain.CategoryFollow, resp.Category)
}

func TestMarkRead_Accepted(t *testing.T) {
	svc := &mockBadgeSvc{}
	svc.On("MarkRead", "n1").Return(nil)
	svc.On("Count").Return(badgeOf(2))
	h := NewBadgeHandler(svc, &mockResyncer{})

	rr := httptest.NewRecorder()
	h.MarkRead(rr, withChiID(httptest.NewRequest(http.MethodPut, "/v1/notifications/n1", nil), "n1"))

	assert.Equal(t, http.StatusAccepted, rr.Code)
	var resp MarkReadEnvelope
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Badge.Total)
	svc.AssertExpectations(t)
}

func TestMarkRead_Unknown(t *testing.T) {
	svc := &mockBadgeSvc{}
	svc.On("MarkRead", "zz").Return(domain.ErrNotFound)
	h := NewBadgeHandler(svc, &mockResyncer{})

	rr := httptest.NewRecorder()
	h.MarkRead(rr, withChiID(httptest.NewRequest(http.MethodPut, "/v1/notifications/zz", nil), "zz"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMarkAllRead_WithType(t *testing.T) {
	svc := &mockBadgeSvc{}
	svc.On("MarkAllRead", mock.MatchedBy(func(c *domain.Category) bool {
		return c != nil && *c == domain.CategoryComment
	})).Return(nil)
	svc.On("Count").Return(badgeOf(0))
	h := NewBadgeHandler(svc, &mockResyncer{})

	rr := httptest.NewRecorder()
	h.MarkAllRead(rr, httptest.NewRequest(http.MethodPost, "/v1/notifications/read-all?type=comment", nil))
	assert.Equal(t, http.StatusAccepted, rr.Code)
	svc.AssertExpectations(t)
}

func TestMarkAllRead_NoType(t *testing.T) {
	svc := &mockBadgeSvc{}
	svc.On("MarkAllRead", (*domain.Category)(nil)).Return(nil)
	svc.On("Count").Return(badgeOf(0))
	h := NewBadgeHandler(svc, &mockResyncer{})

	rr := httptest.NewRecorder()
	h.MarkAllRead(rr, httptest.NewRequest(http.MethodPost, "/v1/notifications/read-all", nil))
	assert.Equal(t, http.StatusAccepted, rr.Code)
	svc.AssertExpectations(t)
}

func TestMarkAllRead_UnknownType(t *testing.T) {
	svc := &mockBadgeSvc{}
	svc.On("MarkAllRead", mock.Anything).Return(domain.ErrBadRequest)
	h := NewBadgeHandler(svc, &mockResyncer{})

	rr := httptest.NewRecorder()
	h.MarkAllRead(rr, httptest.NewRequest(http.MethodPost, "/v1/notifications/read-all?type=sticker", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// --- sync ---

func TestSync_Triggers(t *testing.T) {
	rs := &mockResyncer{}
	rs.On("TriggerResync").Return()
	h := NewBadgeHandler(&mockBadgeSvc{}, rs)

	rr := httptest.NewRecorder()
	h.Sync(rr, httptest.NewRequest(http.MethodPost, "/v1/sync", nil))
	assert.Equal(t, http.StatusAccepted, rr.Code)
	rs.AssertExpectations(t)
}

func TestSync_WaitFailure(t *testing.T) {
	rs := &mockResyncer{}
	rs.On("Resync", mock.Anything).Return(errors.Join(domain.ErrSnapshotFetch, errors.New("timeout")))
	h := NewBadgeHandler(&mockBadgeSvc{}, rs)

	rr := httptest.NewRecorder()
	h.Sync(rr, httptest.NewRequest(http.MethodPost, "/v1/sync?wait=true", nil))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestSync_WaitSuccess(t *testing.T) {
	rs := &mockResyncer{}
	rs.On("Resync", mock.Anything).Return(nil)
	svc := &mockBadgeSvc{}
	svc.On("Count").Return(badgeOf(5))
	svc.On("State").Return(domain.StateSynced)
	h := NewBadgeHandler(svc, rs)

	rr := httptest.NewRecorder()
	h.Sync(rr, httptest.NewRequest(http.MethodPost, "/v1/sync?wait=true", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	var resp BadgeEnvelope
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, 5, resp.Badge.Total)
}

// --- stream ---

func readEvent(t *testing.T, sc *bufio.Scanner) (event, data string) {
	t.Helper()
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data != "" {
				return event, data
			}
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	require.NoError(t, sc.Err())
	t.Fatal("stream ended")
	return "", ""
}

func TestStream_SendsCurrentThenChanges(t *testing.T) {
	engine := badge.NewEngine(badge.NewHub(nil))
	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, engine.IngestLiveEvent(domain.Notification{ID: "n1", UserID: "u1", Category: domain.CategoryLike, CreatedAt: created}))

	h := NewBadgeHandler(engine, &mockResyncer{})
	srv := httptest.NewServer(http.HandlerFunc(h.Stream))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	event, data := readEvent(t, sc)
	assert.Equal(t, "badge", event)
	var bc domain.BadgeCount
	require.NoError(t, json.Unmarshal([]byte(data), &bc))
	assert.Equal(t, 1, bc.Total)

	require.NoError(t, engine.IngestLiveEvent(domain.Notification{ID: "n2", UserID: "u1", Category: domain.CategoryComment, CreatedAt: created}))

	_, data = readEvent(t, sc)
	require.NoError(t, json.Unmarshal([]byte(data), &bc))
	assert.Equal(t, 2, bc.Total)
	assert.Equal(t, 1, bc.ByType[domain.CategoryComment])
}

func TestStream_UnsubscribesOnDisconnect(t *testing.T) {
	engine := badge.NewEngine(badge.NewHub(nil))
	h := NewBadgeHandler(engine, &mockResyncer{})

	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest(http.MethodGet, "/v1/badge/stream", nil).WithContext(ctx)
	rr := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		h.Stream(rr, r)
		close(done)
	}()

	require.Eventually(t, func() bool { return engine.Hub().Len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not return after the client left")
	}
	assert.Equal(t, 0, engine.Hub().Len())
}
