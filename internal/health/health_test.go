package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: true, Detail: "ok"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	// Register concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}(i)
	}

	// Check concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}

func TestPingCheck(t *testing.T) {
	ok := PingCheck("db", func(context.Context) error { return nil })(context.Background())
	if !ok.Healthy || ok.Name != "db" {
		t.Fatalf("expected healthy db status, got %+v", ok)
	}

	bad := PingCheck("redis", func(context.Context) error { return errors.New("dial tcp: refused") })(context.Background())
	if bad.Healthy {
		t.Fatal("expected unhealthy status on ping error")
	}
	if bad.Detail != "dial tcp: refused" {
		t.Fatalf("unexpected detail %q", bad.Detail)
	}
}

func TestFlagCheck(t *testing.T) {
	var running atomic.Bool
	check := FlagCheck("sweep_timer", "not running", running.Load)

	if st := check(context.Background()); st.Healthy {
		t.Fatal("expected unhealthy while flag is down")
	}
	running.Store(true)
	if st := check(context.Background()); !st.Healthy {
		t.Fatal("expected healthy once flag is up")
	}
}

func TestCheckAllFillsMissingName(t *testing.T) {
	r := NewRegistry()
	r.Register("anonymous", func(context.Context) Status { return Status{Healthy: true} })
	_, statuses := r.CheckAll(context.Background())
	if statuses[0].Name != "anonymous" {
		t.Fatalf("expected registered name, got %q", statuses[0].Name)
	}
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var up atomic.Bool
	up.Store(true)

	reg := NewRegistry()
	reg.Register("sweep_timer", FlagCheck("sweep_timer", "not running", up.Load))
	r := gin.New()
	r.GET("/health", reg.Handler("test"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	up.Store(false)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "degraded" || len(resp.Checks) != 1 || resp.Checks[0].Detail != "not running" {
		t.Fatalf("unexpected body %+v", resp)
	}
}
