package api

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newTimeoutEngine(timeout, handlerDelay time.Duration) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TimeoutMiddleware(timeout))
	r.GET("/slow", func(c *gin.Context) {
		time.Sleep(handlerDelay)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

func TestTimeoutMiddlewareAbortsSlowRequests(t *testing.T) {
	r := newTimeoutEngine(20*time.Millisecond, 200*time.Millisecond)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/slow", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusRequestTimeout {
		t.Fatalf("status=%d, expected %d", w.Code, http.StatusRequestTimeout)
	}
}

func TestTimeoutMiddlewareExemptsWebsocketUpgrades(t *testing.T) {
	// A connection held past the deadline must not be aborted when the
	// request asked for a websocket upgrade.
	r := newTimeoutEngine(20*time.Millisecond, 100*time.Millisecond)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/slow", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, expected %d", w.Code, http.StatusOK)
	}
}

func TestTimeoutMiddlewareDoesNotLeakHandlerGoroutines(t *testing.T) {
	r := newTimeoutEngine(10*time.Millisecond, 80*time.Millisecond)
	before := runtime.NumGoroutine()

	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/slow", nil)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusRequestTimeout {
			t.Fatalf("status=%d, expected %d", w.Code, http.StatusRequestTimeout)
		}
	}

	// Handler goroutines keep running after the 408; once their sleep ends
	// they must exit instead of parking on the completion signal.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before+2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("goroutines=%d, started with %d; timed-out handlers never finished", runtime.NumGoroutine(), before)
}
