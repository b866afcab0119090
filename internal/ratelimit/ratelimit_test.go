package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestAllow_BurstThenThrottle(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("203.0.113.7") {
			t.Fatalf("request %d inside burst denied", i+1)
		}
	}
	if l.Allow("203.0.113.7") {
		t.Error("request beyond burst allowed")
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	if !l.Allow("203.0.113.7") {
		t.Fatal("first key denied")
	}
	if l.Allow("203.0.113.7") {
		t.Error("first key should be exhausted")
	}
	if !l.Allow("203.0.113.8") {
		t.Error("second key should have its own bucket")
	}
}

func TestAllow_RefillsOverTime(t *testing.T) {
	// 6000/min = 100 tokens per second, so 50ms buys back ~5 tokens.
	l := New(Config{RequestsPerMinute: 6000, BurstSize: 2, CleanupInterval: time.Minute})
	defer l.Stop()

	l.Allow("k")
	l.Allow("k")
	if l.Allow("k") {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(50 * time.Millisecond)
	if !l.Allow("k") {
		t.Error("bucket should have refilled")
	}
}

func TestMiddleware_Returns429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/v1/payments/pay_1", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	do := func() int {
		req := httptest.NewRequest(http.MethodGet, "/v1/payments/pay_1", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	if code := do(); code != http.StatusOK {
		t.Fatalf("first request status = %d", code)
	}
	if code := do(); code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", code)
	}
}

func TestMiddleware_AuthKeyedSeparatelyFromIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/v1/payments/pay_1", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	anon := httptest.NewRequest(http.MethodGet, "/v1/payments/pay_1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, anon)
	if w.Code != http.StatusOK {
		t.Fatalf("anonymous request status = %d", w.Code)
	}

	keyed := httptest.NewRequest(http.MethodGet, "/v1/payments/pay_1", nil)
	keyed.Header.Set("Authorization", "Bearer tk_live_someclient")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, keyed)
	if w.Code != http.StatusOK {
		t.Errorf("keyed request status = %d; should not share the IP bucket", w.Code)
	}
}
