package generichttp_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/spectrolab/generichttp"
)

func TestGetFloatEncodesF64(t *testing.T) {
	hndl := generichttp.GetFloat(func() (float64, error) { return 1.5, nil })
	w := httptest.NewRecorder()
	hndl(w, httptest.NewRequest("GET", "/x", nil))
	var f generichttp.FloatT
	if err := json.Unmarshal(w.Body.Bytes(), &f); err != nil {
		t.Fatalf("%v", err)
	}
	if f.F64 != 1.5 {
		t.Errorf("expected 1.5, got %v", f.F64)
	}
}

func TestSetFloatDecodesAndCalls(t *testing.T) {
	var got float64
	hndl := generichttp.SetFloat(func(f float64) error { got = f; return nil })
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/x", strings.NewReader(`{"f64": 250}`))
	hndl(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if got != 250 {
		t.Errorf("expected 250, got %v", got)
	}
}

func TestSetIntRejectsBadBody(t *testing.T) {
	hndl := generichttp.SetInt(func(int) error { return nil })
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/x", strings.NewReader(`not json`))
	hndl(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestSetBoolRoundTrip(t *testing.T) {
	var got bool
	hndl := generichttp.SetBool(func(b bool) error { got = b; return nil })
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/x", strings.NewReader(`{"bool": true}`))
	hndl(w, req)
	if !got {
		t.Errorf("expected true")
	}
}

func TestRouteTableBindAndEndpoints(t *testing.T) {
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}:   generichttp.GetBool(func() (bool, error) { return true, nil }),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/exp-time"}: generichttp.GetFloat(func() (float64, error) { return 100, nil }),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/exp-time"}: generichttp.SetFloat(func(float64) error {
			return nil
		}),
	}
	eps := rt.Endpoints()
	if len(eps) != 2 {
		t.Fatalf("expected 2 endpoints, got %v", eps)
	}
	if eps[0] != "/exp-time" || eps[1] != "/status" {
		t.Errorf("expected sorted endpoints, got %v", eps)
	}

	r := chi.NewRouter()
	rt.Bind(r)
	srv := httptest.NewServer(r)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/exp-time")
	if err != nil {
		t.Fatalf("%v", err)
	}
	defer resp.Body.Close()
	var f generichttp.FloatT
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		t.Fatalf("%v", err)
	}
	if f.F64 != 100 {
		t.Errorf("expected 100, got %v", f.F64)
	}
}

func TestSubMuxSanitize(t *testing.T) {
	cases := map[string]string{
		"omc/nkt":   "/omc/nkt",
		"/spectro":  "/spectro",
		"spectro/":  "/spectro",
		"/spectro/": "/spectro",
	}
	for in, expected := range cases {
		if got := generichttp.SubMuxSanitize(in); got != expected {
			t.Errorf("%q expected %q got %q", in, expected, got)
		}
	}
}
