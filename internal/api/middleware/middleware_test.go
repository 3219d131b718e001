package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/schemaforge/internal/api/middleware"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- Mock key store ---

type mockKeys struct {
	mu      sync.Mutex
	keys    []*models.APIKey
	err     error
	touched []uuid.UUID
}

func (m *mockKeys) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return m.keys, m.err
}

func (m *mockKeys) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	m.touched = append(m.touched, id)
	m.mu.Unlock()
	return nil
}

func (m *mockKeys) touchedIDs() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID(nil), m.touched...)
}

// --- Mock Cache ---

type mockCache struct {
	counter int64
	err     error
}

func (m *mockCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (m *mockCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (m *mockCache) Delete(_ context.Context, _ string) error                         { return nil }
func (m *mockCache) Ping(_ context.Context) error                                     { return nil }
func (m *mockCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	m.counter++
	return m.counter, m.err
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashKey(t *testing.T, rawKey string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func bearer(rawKey string) *http.Request {
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	return req
}

func withKeyPrefix(req *http.Request, prefix string) *http.Request {
	return req.WithContext(mw.SetKeyPrefix(req.Context(), prefix))
}

// ========================================
// Auth Middleware Tests
// ========================================

func TestAuth_MissingAuthHeader(t *testing.T) {
	auth := mw.NewAuth(&mockKeys{})
	handler := auth.Authenticate(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuth_InvalidBearerFormat(t *testing.T) {
	auth := mw.NewAuth(&mockKeys{})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Basic abc123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_KeyTooShort(t *testing.T) {
	auth := mw.NewAuth(&mockKeys{})
	w := httptest.NewRecorder()
	auth.Authenticate(okHandler()).ServeHTTP(w, bearer("short"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_KeyNotFound(t *testing.T) {
	auth := mw.NewAuth(&mockKeys{keys: []*models.APIKey{}})
	w := httptest.NewRecorder()
	auth.Authenticate(okHandler()).ServeHTTP(w, bearer("sf_test1234567890"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_LookupError(t *testing.T) {
	auth := mw.NewAuth(&mockKeys{err: errors.New("pool closed")})
	w := httptest.NewRecorder()
	auth.Authenticate(okHandler()).ServeHTTP(w, bearer("sf_test1234567890"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestAuth_WrongKey(t *testing.T) {
	rawKey := "sf_test1234567890abcdef"
	ms := &mockKeys{keys: []*models.APIKey{{
		ID:          uuid.New(),
		PrincipalID: uuid.New(),
		KeyHash:     hashKey(t, "different_key_entirely"),
		KeyPrefix:   rawKey[:mw.KeyPrefixLen],
		Scopes:      []string{"read"},
	}}}
	auth := mw.NewAuth(ms)
	w := httptest.NewRecorder()
	auth.Authenticate(okHandler()).ServeHTTP(w, bearer(rawKey))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, ms.touchedIDs())
}

func TestAuth_ValidKey(t *testing.T) {
	rawKey := "sf_test1234567890abcdef"
	keyID, principalID := uuid.New(), uuid.New()
	ms := &mockKeys{keys: []*models.APIKey{{
		ID:          keyID,
		PrincipalID: principalID,
		KeyHash:     hashKey(t, rawKey),
		KeyPrefix:   rawKey[:mw.KeyPrefixLen],
		Scopes:      []string{"read", "admin"},
	}}}
	auth := mw.NewAuth(ms)

	var gotPrincipal uuid.UUID
	var gotOK bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrincipal, gotOK = mw.GetPrincipalID(r)
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	auth.Authenticate(inner).ServeHTTP(w, bearer(rawKey))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gotOK)
	assert.Equal(t, principalID, gotPrincipal)
	assert.Eventually(t, func() bool {
		ids := ms.touchedIDs()
		return len(ids) == 1 && ids[0] == keyID
	}, time.Second, 10*time.Millisecond)
}

func TestAuth_RequireScope_Allowed(t *testing.T) {
	rawKey := "sf_admin_1234567890abcdef"
	ms := &mockKeys{keys: []*models.APIKey{{
		ID:          uuid.New(),
		PrincipalID: uuid.New(),
		KeyHash:     hashKey(t, rawKey),
		KeyPrefix:   rawKey[:mw.KeyPrefixLen],
		Scopes:      []string{"read", "admin"},
	}}}
	auth := mw.NewAuth(ms)

	w := httptest.NewRecorder()
	auth.Authenticate(auth.RequireScope("admin")(okHandler())).ServeHTTP(w, bearer(rawKey))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_RequireScope_Denied(t *testing.T) {
	rawKey := "sf_read__1234567890abcdef"
	ms := &mockKeys{keys: []*models.APIKey{{
		ID:          uuid.New(),
		PrincipalID: uuid.New(),
		KeyHash:     hashKey(t, rawKey),
		KeyPrefix:   rawKey[:mw.KeyPrefixLen],
		Scopes:      []string{"read"},
	}}}
	auth := mw.NewAuth(ms)

	w := httptest.NewRecorder()
	auth.Authenticate(auth.RequireScope("admin")(okHandler())).ServeHTTP(w, bearer(rawKey))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errBody(t, w)["code"])
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	rl := mw.NewRateLimit(&mockCache{}, 60)

	w := httptest.NewRecorder()
	rl.Limit(okHandler()).ServeHTTP(w, withKeyPrefix(httptest.NewRequest("GET", "/test", nil), "sf_test1"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	rl := mw.NewRateLimit(&mockCache{counter: 60}, 60)

	w := httptest.NewRecorder()
	rl.Limit(okHandler()).ServeHTTP(w, withKeyPrefix(httptest.NewRequest("GET", "/test", nil), "sf_over1"))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
}

func TestRateLimit_FailsOpen(t *testing.T) {
	rl := mw.NewRateLimit(&mockCache{err: errors.New("redis down")}, 1)

	w := httptest.NewRecorder()
	rl.Limit(okHandler()).ServeHTTP(w, withKeyPrefix(httptest.NewRequest("GET", "/test", nil), "sf_down1"))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_NoKeyPrefix_PassThrough(t *testing.T) {
	rl := mw.NewRateLimit(&mockCache{}, 60)

	w := httptest.NewRecorder()
	rl.Limit(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	w := httptest.NewRecorder()
	mw.Recovery(panicking).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_PanicAfterResponseStarted(t *testing.T) {
	panicking := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(": ping\n\n"))
		panic("stream broke")
	})

	w := httptest.NewRecorder()
	mw.Logger(mw.Recovery(panicking)).ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/events", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ": ping\n\n", w.Body.String())
}

func TestRecovery_NoPanic(t *testing.T) {
	w := httptest.NewRecorder()
	mw.Recovery(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Logging Middleware Tests
// ========================================

func TestLogger_SetsStatus(t *testing.T) {
	w := httptest.NewRecorder()
	mw.Logger(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogger_KeepsFlusherReachable(t *testing.T) {
	var flushErr error
	streaming := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		flushErr = http.NewResponseController(w).Flush()
	})

	w := httptest.NewRecorder()
	mw.Logger(streaming).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.NoError(t, flushErr)
	assert.True(t, w.Flushed)
}

func TestGenerateKey_AuthenticatesAgainstItsHash(t *testing.T) {
	raw, prefix, hash, err := mw.GenerateKey()
	require.NoError(t, err)
	assert.True(t, len(raw) > mw.KeyPrefixLen)
	assert.Equal(t, raw[:mw.KeyPrefixLen], prefix)
	assert.NotContains(t, hash, raw)

	principalID := uuid.New()
	auth := mw.NewAuth(&mockKeys{keys: []*models.APIKey{{
		ID: uuid.New(), PrincipalID: principalID, KeyHash: hash, KeyPrefix: prefix, Scopes: []string{"read"},
	}}})

	var got uuid.UUID
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = mw.GetPrincipalID(r)
	})
	w := httptest.NewRecorder()
	auth.Authenticate(inner).ServeHTTP(w, bearer(raw))

	assert.Equal(t, principalID, got)

	other, _, _, err := mw.GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, raw, other)
}
