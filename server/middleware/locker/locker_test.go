package locker_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nasa-jpl/spectrolab/generichttp"
	"github.com/nasa-jpl/spectrolab/server/middleware/locker"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestCheckBouncesWhenLocked(t *testing.T) {
	l := locker.New()
	l.Lock()
	hndl := l.Check(http.HandlerFunc(okHandler))
	w := httptest.NewRecorder()
	hndl.ServeHTTP(w, httptest.NewRequest("GET", "/exp-time", nil))
	if w.Code != http.StatusLocked {
		t.Errorf("expected 423, got %d", w.Code)
	}
}

func TestCheckPassesWhenUnlocked(t *testing.T) {
	l := locker.New()
	hndl := l.Check(http.HandlerFunc(okHandler))
	w := httptest.NewRecorder()
	hndl.ServeHTTP(w, httptest.NewRequest("GET", "/exp-time", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestCheckDoesNotProtectLockRoute(t *testing.T) {
	l := locker.New()
	l.Lock()
	hndl := l.Check(http.HandlerFunc(okHandler))
	w := httptest.NewRecorder()
	hndl.ServeHTTP(w, httptest.NewRequest("GET", "/lock", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 on the lock route, got %d", w.Code)
	}
}

func TestHTTPSetAndGet(t *testing.T) {
	l := locker.New()
	w := httptest.NewRecorder()
	l.HTTPSet(w, httptest.NewRequest("POST", "/lock", strings.NewReader(`{"bool": true}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !l.Locked() {
		t.Errorf("expected locked")
	}
	w = httptest.NewRecorder()
	l.HTTPGet(w, httptest.NewRequest("GET", "/lock", nil))
	var b generichttp.BoolT
	if err := json.Unmarshal(w.Body.Bytes(), &b); err != nil {
		t.Fatalf("%v", err)
	}
	if !b.Bool {
		t.Errorf("expected true")
	}
}

type fakeHTTPer struct {
	rt generichttp.RouteTable
}

func (f fakeHTTPer) RT() generichttp.RouteTable {
	return f.rt
}

func TestInjectAddsLockRoutes(t *testing.T) {
	h := fakeHTTPer{rt: generichttp.RouteTable{}}
	locker.Inject(h, locker.New())
	if len(h.rt) != 2 {
		t.Errorf("expected 2 routes, got %d", len(h.rt))
	}
	mp := generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}
	if _, ok := h.rt[mp]; !ok {
		t.Errorf("expected GET /lock to be injected")
	}
}
