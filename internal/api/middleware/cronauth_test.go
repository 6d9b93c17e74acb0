package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func cronRequest(t *testing.T, secret string, authHeader string) *httptest.ResponseRecorder {
	t.Helper()
	handler := CronSecret(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/cron/ingest_nightly", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCronSecret(t *testing.T) {
	if rec := cronRequest(t, "hunter2", "Bearer hunter2"); rec.Code != http.StatusOK {
		t.Errorf("valid secret: status %d", rec.Code)
	}
	if rec := cronRequest(t, "hunter2", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret: status %d", rec.Code)
	}
	if rec := cronRequest(t, "hunter2", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing header: status %d", rec.Code)
	}
	if rec := cronRequest(t, "hunter2", "Basic hunter2"); rec.Code != http.StatusUnauthorized {
		t.Errorf("non-bearer scheme: status %d", rec.Code)
	}
	// No configured secret disables the endpoints instead of opening them.
	if rec := cronRequest(t, "", "Bearer anything"); rec.Code != http.StatusUnauthorized {
		t.Errorf("empty secret: status %d", rec.Code)
	}
	if got := cronRequest(t, "hunter2", "").Header().Get("WWW-Authenticate"); got == "" {
		t.Error("401 without WWW-Authenticate header")
	}
}

func TestUsageCounter(t *testing.T) {
	u := NewUsageCounter()
	handler := u.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 3; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/velocity", nil))
	}
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/timeline", nil))

	counts := u.Drain()
	if counts["GET /api/v1/velocity"] != 3 {
		t.Errorf("velocity count = %d", counts["GET /api/v1/velocity"])
	}
	if counts["POST /api/v1/timeline"] != 1 {
		t.Errorf("timeline count = %d", counts["POST /api/v1/timeline"])
	}

	// Drain resets.
	if again := u.Drain(); len(again) != 0 {
		t.Errorf("second drain = %v, want empty", again)
	}
}
