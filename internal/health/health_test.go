package health

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/breeze-rmm/brewkit/internal/brewerr"
)

func TestNewMonitorOverallReturnsUnknown(t *testing.T) {
	m := NewMonitor()
	if got := m.Overall(); got != Unknown {
		t.Fatalf("Overall() on empty monitor = %q, want %q", got, Unknown)
	}
}

func TestSummaryOnEmptyMonitor(t *testing.T) {
	s := NewMonitor().Summary()
	if s.Status != Unknown {
		t.Fatalf("Summary status = %v, want unknown", s.Status)
	}
	if len(s.Components) != 0 {
		t.Fatalf("Summary components = %v, want empty", s.Components)
	}
}

func TestOverallReturnsWorstStatus(t *testing.T) {
	m := NewMonitor()
	m.Update("a", Healthy, "")
	m.Update("b", Degraded, "slow")
	m.Update("c", Healthy, "")

	if got := m.Overall(); got != Degraded {
		t.Fatalf("Overall() = %q, want %q", got, Degraded)
	}

	m.Update("b", Unhealthy, "down")
	if got := m.Overall(); got != Unhealthy {
		t.Fatalf("Overall() = %q, want %q", got, Unhealthy)
	}
}

func TestStatusIsValid(t *testing.T) {
	for _, s := range []Status{Healthy, Degraded, Unhealthy, Unknown} {
		if !s.IsValid() {
			t.Errorf("IsValid(%q) = false, want true", s)
		}
	}
	for _, s := range []Status{Status("garbage"), Status(""), Status("ok")} {
		if s.IsValid() {
			t.Errorf("IsValid(%q) = true, want false", s)
		}
	}
}

func TestUpdateCoercesInvalidStatus(t *testing.T) {
	m := NewMonitor()
	m.Update("test", Status("invalid"), "bad value")

	c, ok := m.Get("test")
	if !ok {
		t.Fatal("component not found after Update")
	}
	if c.Status != Unhealthy {
		t.Fatalf("Status = %q, want %q (coerced from invalid)", c.Status, Unhealthy)
	}
}

func TestObserveMapsErrorKinds(t *testing.T) {
	m := NewMonitor()

	m.Observe(ComponentFormulae, nil)
	if c, _ := m.Get(ComponentFormulae); c.Status != Healthy {
		t.Fatalf("nil error: status = %q, want healthy", c.Status)
	}

	m.Observe(ComponentFormulae, &brewerr.NetworkError{Op: "GET", URL: "https://example.test", Err: errors.New("reset")})
	c, _ := m.Get(ComponentFormulae)
	if c.Status != Degraded {
		t.Fatalf("network error: status = %q, want degraded", c.Status)
	}
	if c.Message == "" {
		t.Fatal("expected a message for a degraded check")
	}

	m.Observe(ComponentFormulae, fmt.Errorf("fetch: %w", brewerr.ErrCancelled))
	if c, _ := m.Get(ComponentFormulae); c.Status != Degraded {
		t.Fatalf("cancellation changed status to %q", c.Status)
	}

	m.Observe(ComponentBrew, errors.New("brew exploded"))
	if c, _ := m.Get(ComponentBrew); c.Status != Unhealthy {
		t.Fatalf("unknown error: status = %q, want unhealthy", c.Status)
	}
}

func TestSummaryAtomicity(t *testing.T) {
	m := NewMonitor()
	m.Update("comp1", Healthy, "")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.Update("comp1", Degraded, "test")
			} else {
				m.Update("comp1", Healthy, "")
			}
		}(i)
	}

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := m.Summary()
			// With only one component, overall must match it.
			if len(s.Components) != 1 || s.Status != s.Components[0].Status {
				t.Errorf("summary inconsistency: %+v", s)
			}
		}()
	}

	wg.Wait()
}

func TestAllReturnsSortedSnapshot(t *testing.T) {
	m := NewMonitor()
	m.Update("b", Degraded, "slow")
	m.Update("a", Healthy, "")

	all := m.All()
	if len(all) != 2 || all[0].Name != "a" || all[1].Name != "b" {
		t.Fatalf("All() = %+v, want a then b", all)
	}
}

func TestHandlerStatusCodes(t *testing.T) {
	m := NewMonitor()
	m.Update(ComponentCasks, Degraded, "slow")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("degraded: code = %d, want 200", rec.Code)
	}
	var s Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Status != Degraded || len(s.Components) != 1 {
		t.Fatalf("unexpected summary: %+v", s)
	}

	m.Update(ComponentBrew, Unhealthy, "down")
	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy: code = %d, want 503", rec.Code)
	}
}
