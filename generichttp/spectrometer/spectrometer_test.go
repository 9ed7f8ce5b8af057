package spectrometer_test

import (
	"bytes"
	"encoding/json"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/spectrolab/generichttp"
	spechttp "github.com/nasa-jpl/spectrolab/generichttp/spectrometer"
	"github.com/nasa-jpl/spectrolab/history"
	"github.com/nasa-jpl/spectrolab/settings"
	spect "github.com/nasa-jpl/spectrolab/spectrometer"
	"github.com/nasa-jpl/spectrolab/zwo"
)

type bench struct {
	srv *httptest.Server
	ctl *spect.Controller
	sim *zwo.Sim
	rec *history.Recorder
}

func newBench(t *testing.T) bench {
	t.Helper()
	store, err := settings.New(t.TempDir())
	if err != nil {
		t.Fatalf("settings store: %v", err)
	}
	sim := zwo.NewSim()
	ctl := spect.New(sim, store)
	ctl.Tuning = spect.Tuning{Scale: 0, Buffer: 2 * time.Millisecond, Grace: 4 * time.Millisecond}
	rec := history.New(16)
	ctl.Telem = rec
	h := spechttp.NewHTTPSpectrometer(ctl, store)
	rt := h.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/telemetry"}] = rec.HTTPYield
	r := chi.NewRouter()
	rt.Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return bench{srv: srv, ctl: ctl, sim: sim, rec: rec}
}

func (b bench) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(b.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (b bench) postOK(t *testing.T, path, body string) {
	t.Helper()
	resp := b.post(t, path, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST %s: expected 200 got %d: %s", path, resp.StatusCode, msg)
	}
}

func (b bench) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(b.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (b bench) getJSON(t *testing.T, path string, into interface{}) {
	t.Helper()
	resp := b.get(t, path)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: expected 200 got %d: %s", path, resp.StatusCode, msg)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("GET %s: decoding: %v", path, err)
	}
}

// connect brings the bench online with a small readout window so
// synthesized frames stay cheap
func (b bench) connect(t *testing.T) {
	t.Helper()
	b.postOK(t, "/connect", "")
	b.postOK(t, "/roi", `{"width": 512, "height": 64, "binning": 1}`)
}

type statusDoc struct {
	State    string                 `json:"state"`
	Camera   *zwo.CameraInfo        `json:"camera"`
	HaveDark bool                   `json:"have_dark"`
	Settings map[string]interface{} `json:"settings"`
}

func TestStatusTracksLifecycle(t *testing.T) {
	b := newBench(t)
	var st statusDoc
	b.getJSON(t, "/status", &st)
	if st.State != "DISCONNECTED" {
		t.Errorf("expected DISCONNECTED before connect got %s", st.State)
	}
	if st.Camera != nil {
		t.Errorf("expected no camera info before connect, got %+v", st.Camera)
	}
	if st.Settings == nil {
		t.Error("expected settings in status")
	}
	b.postOK(t, "/connect", "")
	b.getJSON(t, "/status", &st)
	if st.State != "READY" {
		t.Errorf("expected READY after connect got %s", st.State)
	}
	if st.Camera == nil || st.Camera.Name == "" {
		t.Errorf("expected camera info after connect, got %+v", st.Camera)
	}
	b.postOK(t, "/disconnect", "")
	b.getJSON(t, "/status", &st)
	if st.State != "DISCONNECTED" {
		t.Errorf("expected DISCONNECTED after disconnect got %s", st.State)
	}
}

func TestExposureRoundTripAndValidation(t *testing.T) {
	b := newBench(t)
	b.connect(t)
	b.postOK(t, "/exposure", `{"f64": 50}`)
	var f generichttp.FloatT
	b.getJSON(t, "/exposure", &f)
	if f.F64 != 50 {
		t.Errorf("expected exposure 50 got %v", f.F64)
	}
	resp := b.post(t, "/exposure", `{"f64": -1}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for negative exposure got %d", resp.StatusCode)
	}
}

func TestGainRoundTripAndValidation(t *testing.T) {
	b := newBench(t)
	b.connect(t)
	b.postOK(t, "/gain", `{"int": 300}`)
	var i generichttp.IntT
	b.getJSON(t, "/gain", &i)
	if i.Int != 300 {
		t.Errorf("expected gain 300 got %d", i.Int)
	}
	resp := b.post(t, "/gain", `{"int": 100000}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for gain over max got %d", resp.StatusCode)
	}
}

func TestROIRoundTripAndValidation(t *testing.T) {
	b := newBench(t)
	b.postOK(t, "/connect", "")
	b.postOK(t, "/roi", `{"start_x": 100, "start_y": 200, "width": 800, "height": 100, "binning": 2}`)
	var roi zwo.ROI
	b.getJSON(t, "/roi", &roi)
	want := zwo.ROI{StartX: 100, StartY: 200, Width: 800, Height: 100, Binning: 2}
	if roi != want {
		t.Errorf("expected roi %+v got %+v", want, roi)
	}
	resp := b.post(t, "/roi", `{"width": 100, "height": 100, "binning": 3}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unsupported binning got %d", resp.StatusCode)
	}
}

func TestAcquisitionRequiresConnection(t *testing.T) {
	b := newBench(t)
	resp := b.get(t, "/spectrum")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 before connect got %d", resp.StatusCode)
	}
	resp = b.post(t, "/dark", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 before connect got %d", resp.StatusCode)
	}
}

func TestSpectrumRoute(t *testing.T) {
	b := newBench(t)
	b.connect(t)
	var s struct {
		Pixels      []int     `json:"pixels"`
		Wavelengths []float64 `json:"wavelengths"`
		Intensities []float64 `json:"intensities"`
	}
	b.getJSON(t, "/spectrum", &s)
	if len(s.Intensities) != 512 {
		t.Errorf("expected 512 intensities got %d", len(s.Intensities))
	}
	if len(s.Wavelengths) != len(s.Intensities) || len(s.Pixels) != len(s.Intensities) {
		t.Errorf("expected matched axes, got %d pixels %d wavelengths %d intensities",
			len(s.Pixels), len(s.Wavelengths), len(s.Intensities))
	}
}

func TestDarkLifecycle(t *testing.T) {
	b := newBench(t)
	b.connect(t)
	resp := b.get(t, "/dark")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 before a dark is taken got %d", resp.StatusCode)
	}
	b.postOK(t, "/dark", "")
	var st statusDoc
	b.getJSON(t, "/status", &st)
	if !st.HaveDark {
		t.Error("expected status to report the dark reference")
	}
	resp = b.get(t, "/dark")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 downloading dark got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/fits" {
		t.Errorf("expected image/fits got %s", ct)
	}
	head := make([]byte, 6)
	if _, err := io.ReadFull(resp.Body, head); err != nil {
		t.Fatalf("reading fits header: %v", err)
	}
	if !bytes.Equal(head, []byte("SIMPLE")) {
		t.Errorf("expected a fits stream beginning with SIMPLE, got %q", head)
	}
}

func TestImageFormats(t *testing.T) {
	b := newBench(t)
	b.connect(t)
	resp := b.get(t, "/image?fmt=png")
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("expected image/png got %s", ct)
	}
	im, err := png.Decode(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decoding png: %v", err)
	}
	if d := im.Bounds(); d.Dx() != 512 || d.Dy() != 64 {
		t.Errorf("expected 512x64 image got %dx%d", d.Dx(), d.Dy())
	}
	resp = b.get(t, "/image")
	resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("expected image/jpeg by default got %s", ct)
	}
	resp = b.get(t, "/image?fmt=bmp")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown format got %d", resp.StatusCode)
	}
}

func TestProcessingPartialUpdate(t *testing.T) {
	b := newBench(t)
	b.postOK(t, "/processing", `{"readout_mode": "maximum"}`)
	var p struct {
		Readout  string `json:"readout_mode"`
		Baseline string `json:"baseline_correction"`
		Degree   int    `json:"polynomial_degree"`
		Subtract bool   `json:"subtract_dark"`
	}
	b.getJSON(t, "/processing", &p)
	if p.Readout != "maximum" {
		t.Errorf("expected readout maximum got %s", p.Readout)
	}
	if p.Baseline != "none" || p.Degree != 4 {
		t.Errorf("expected untouched fields to keep defaults, got %+v", p)
	}
	resp := b.post(t, "/processing", `{"baseline_correction": "cubic-spline"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown baseline got %d", resp.StatusCode)
	}
}

func TestCalibrationRoundTrip(t *testing.T) {
	b := newBench(t)
	b.postOK(t, "/calibration", `{"wavelength_coefficients": [500, 0.25], "laser_wavelength": 532}`)
	var c struct {
		Coefficients []float64 `json:"wavelength_coefficients"`
		Laser        float64   `json:"laser_wavelength"`
	}
	b.getJSON(t, "/calibration", &c)
	if len(c.Coefficients) != 2 || c.Coefficients[0] != 500 || c.Coefficients[1] != 0.25 {
		t.Errorf("expected [500 0.25] got %v", c.Coefficients)
	}
	if c.Laser != 532 {
		t.Errorf("expected laser 532 got %v", c.Laser)
	}
}

func TestSettingsUpdatePromoteReset(t *testing.T) {
	b := newBench(t)
	b.postOK(t, "/settings", `{"display": {"mode": "raman"}}`)
	var st statusDoc
	b.getJSON(t, "/status", &st)
	display, _ := st.Settings["display"].(map[string]interface{})
	if display["mode"] != "raman" {
		t.Errorf("expected display mode raman got %v", display["mode"])
	}
	// reset drops the override
	b.postOK(t, "/settings/reset", "")
	var tree map[string]map[string]interface{}
	b.getJSON(t, "/settings", &tree)
	if tree["display"]["mode"] != "wavelength" {
		t.Errorf("expected reset to restore wavelength got %v", tree["display"]["mode"])
	}
	// promoted overrides survive a reset
	b.postOK(t, "/settings", `{"display": {"mode": "raman"}}`)
	b.postOK(t, "/settings/promote", "")
	b.postOK(t, "/settings/reset", "")
	b.getJSON(t, "/settings", &tree)
	if tree["display"]["mode"] != "raman" {
		t.Errorf("expected promoted mode to survive reset got %v", tree["display"]["mode"])
	}
}

func TestTelemetryRouteServesHistory(t *testing.T) {
	b := newBench(t)
	b.connect(t)
	b.getJSON(t, "/spectrum", &struct{}{})
	b.getJSON(t, "/spectrum", &struct{}{})
	var telem struct {
		Times           []time.Time `json:"times"`
		PeakCounts      []float64   `json:"peak_counts"`
		PeakWavelengths []float64   `json:"peak_wavelengths"`
		TotalCounts     []float64   `json:"total_counts"`
	}
	b.getJSON(t, "/telemetry", &telem)
	if len(telem.Times) != 2 || len(telem.PeakCounts) != 2 {
		t.Errorf("expected 2 telemetry samples got %d times %d peaks", len(telem.Times), len(telem.PeakCounts))
	}
}
