// Package spectrometer exposes an acquisition controller over HTTP.
//
// Routes are collected in a RouteTable so the daemon can bind them
// under any mount point and inject middleware or extra routes, such as
// telemetry, before serving.
package spectrometer

import (
	"encoding/json"
	"errors"
	"fmt"
	"go/types"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"

	"github.com/astrogo/fitsio"
	"github.com/nasa-jpl/spectrolab/generichttp"
	"github.com/nasa-jpl/spectrolab/settings"
	spect "github.com/nasa-jpl/spectrolab/spectrometer"
	"github.com/nasa-jpl/spectrolab/spectrum"
	"github.com/nasa-jpl/spectrolab/zwo"
)

// httpError maps the error taxonomy onto status codes: configuration
// and calibration problems are the client's fault, a missing camera
// session is a conflict, anything else is internal
func httpError(w http.ResponseWriter, err error) {
	var ce zwo.ConfigurationError
	var cal spectrum.CalibrationError
	switch {
	case errors.As(err, &ce) || errors.As(err, &cal):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, zwo.ErrNotConnected):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HTTPSpectrometer provides an HTTP interface to an acquisition
// controller
type HTTPSpectrometer struct {
	// Controller is the controller being wrapped
	*spect.Controller

	// Store backs the settings routes
	Store *settings.Store

	RouteTable generichttp.RouteTable
}

// NewHTTPSpectrometer returns a new wrapper with the route table
// populated
func NewHTTPSpectrometer(c *spect.Controller, store *settings.Store) HTTPSpectrometer {
	w := HTTPSpectrometer{Controller: c, Store: store}
	w.RouteTable = generichttp.RouteTable{
		// lifecycle
		generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}:      w.GetStatus,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/connect"}:    w.Connect,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/disconnect"}: w.Disconnect,

		// camera configuration
		generichttp.MethodPath{Method: http.MethodGet, Path: "/roi"}:       w.GetROI,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/roi"}:      w.SetROI,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/exposure"}:  w.GetExposure,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/exposure"}: w.SetExposure,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/gain"}:      w.GetGain,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/gain"}:     w.SetGain,

		// reduction configuration
		generichttp.MethodPath{Method: http.MethodGet, Path: "/calibration"}:  w.GetCalibration,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/calibration"}: w.SetCalibration,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/processing"}:   w.GetProcessing,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/processing"}:  w.SetProcessing,

		// acquisition
		generichttp.MethodPath{Method: http.MethodPost, Path: "/dark"}:    w.TakeDark,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/dark"}:     w.GetDark,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/spectrum"}: w.GetSpectrum,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/image"}:    w.GetImage,

		// settings documents
		generichttp.MethodPath{Method: http.MethodGet, Path: "/settings"}:          w.GetSettings,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/settings"}:         w.UpdateSettings,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/settings/promote"}: w.PromoteSettings,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/settings/reset"}:   w.ResetSettings,
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPSpectrometer) RT() generichttp.RouteTable {
	return h.RouteTable
}

// GetStatus reports state, camera info, and the merged settings
func (h HTTPSpectrometer) GetStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Controller.Status()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Connect establishes the camera session on a POST request
func (h HTTPSpectrometer) Connect(w http.ResponseWriter, r *http.Request) {
	if err := h.Controller.Connect(); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Disconnect closes the camera session on a POST request
func (h HTTPSpectrometer) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.Controller.Disconnect(); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetROI returns the configured readout region as JSON
func (h HTTPSpectrometer) GetROI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Controller.ROI()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// SetROI applies a readout region from JSON.  Omitted width or height
// spans the remainder of the sensor; omitted binning means 1
func (h HTTPSpectrometer) SetROI(w http.ResponseWriter, r *http.Request) {
	roi := zwo.ROI{}
	err := json.NewDecoder(r.Body).Decode(&roi)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Controller.SetROI(roi); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetExposure returns the exposure time in milliseconds
func (h HTTPSpectrometer) GetExposure(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Float64, Float: h.Controller.ExposureMS()}
	hp.EncodeAndRespond(w, r)
}

// SetExposure programs the exposure time in milliseconds
func (h HTTPSpectrometer) SetExposure(w http.ResponseWriter, r *http.Request) {
	f := generichttp.FloatT{}
	err := json.NewDecoder(r.Body).Decode(&f)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Controller.SetExposure(f.F64); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetGain returns the gain
func (h HTTPSpectrometer) GetGain(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Int, Int: h.Controller.Gain()}
	hp.EncodeAndRespond(w, r)
}

// SetGain programs the gain
func (h HTTPSpectrometer) SetGain(w http.ResponseWriter, r *http.Request) {
	i := generichttp.IntT{}
	err := json.NewDecoder(r.Body).Decode(&i)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Controller.SetGain(i.Int); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetCalibration returns the wavelength solution as JSON
func (h HTTPSpectrometer) GetCalibration(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Controller.Calibration()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// SetCalibration stores a wavelength solution from JSON.  Omitted
// fields keep their current values
func (h HTTPSpectrometer) SetCalibration(w http.ResponseWriter, r *http.Request) {
	cal := h.Controller.Calibration()
	err := json.NewDecoder(r.Body).Decode(&cal)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Controller.SetCalibration(cal); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetProcessing returns the reduction configuration as JSON
func (h HTTPSpectrometer) GetProcessing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Controller.Processing()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// SetProcessing stores the reduction configuration from JSON.  Omitted
// fields keep their current values; unknown modes are a 400
func (h HTTPSpectrometer) SetProcessing(w http.ResponseWriter, r *http.Request) {
	cur := h.Controller.Processing()
	in := struct {
		Readout  string `json:"readout_mode"`
		Baseline string `json:"baseline_correction"`
		Degree   int    `json:"polynomial_degree"`
		Subtract bool   `json:"subtract_dark"`
	}{string(cur.Readout), string(cur.Baseline), cur.Degree, cur.SubtractDark}
	err := json.NewDecoder(r.Body).Decode(&in)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cfg := spectrum.Config{Degree: in.Degree, SubtractDark: in.Subtract}
	if cfg.Readout, err = spectrum.ParseReadoutMode(in.Readout); err != nil {
		httpError(w, err)
		return
	}
	if cfg.Baseline, err = spectrum.ParseBaselineMode(in.Baseline); err != nil {
		httpError(w, err)
		return
	}
	if err := h.Controller.SetProcessing(cfg); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// TakeDark acquires a dark reference on a POST request
func (h HTTPSpectrometer) TakeDark(w http.ResponseWriter, r *http.Request) {
	if err := h.Controller.AcquireDark(); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetDark downloads the held dark reference; the format defaults to
// fits and may be jpg or png
func (h HTTPSpectrometer) GetDark(w http.ResponseWriter, r *http.Request) {
	f := h.Controller.Dark()
	if f == nil {
		http.Error(w, "no dark reference held, POST /dark to take one", http.StatusNotFound)
		return
	}
	format := r.URL.Query().Get("fmt")
	if format == "" {
		format = "fits"
	}
	h.serveFrame(w, f, format, "dark.fits")
}

// GetSpectrum acquires a frame and returns the reduced spectrum as
// JSON
func (h HTTPSpectrometer) GetSpectrum(w http.ResponseWriter, r *http.Request) {
	s, err := h.Controller.AcquireSpectrum()
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetImage captures a raw frame and returns it in the format given by
// the fmt query parameter; default jpg
func (h HTTPSpectrometer) GetImage(w http.ResponseWriter, r *http.Request) {
	f, err := h.Controller.CaptureRaw()
	if err != nil {
		httpError(w, err)
		return
	}
	format := r.URL.Query().Get("fmt")
	if format == "" {
		format = "jpg"
	}
	h.serveFrame(w, f, format, "image.fits")
}

// serveFrame writes a frame in the requested format
func (h HTTPSpectrometer) serveFrame(w http.ResponseWriter, f *zwo.Frame, format, name string) {
	switch format {
	case "jpg":
		buf := make([]byte, len(f.Pix))
		for idx := 0; idx < len(f.Pix); idx++ {
			buf[idx] = byte(f.Pix[idx] / 256) // scale 16 to 8 bits
		}
		im := &image.Gray{Pix: buf, Stride: f.Width, Rect: image.Rect(0, 0, f.Width, f.Height)}
		w.Header().Set("Content-Type", "image/jpeg")
		jpeg.Encode(w, im, nil)
	case "png":
		buf := make([]byte, len(f.Pix))
		for idx := 0; idx < len(f.Pix); idx++ {
			buf[idx] = byte(f.Pix[idx] / 256) // scale 16 to 8 bits
		}
		im := &image.Gray{Pix: buf, Stride: f.Width, Rect: image.Rect(0, 0, f.Width, f.Height)}
		w.Header().Set("Content-Type", "image/png")
		png.Encode(w, im)
	case "fits":
		hdr := w.Header()
		hdr.Set("Content-Type", "image/fits")
		hdr.Set("Content-Disposition", "attachment; filename="+name)
		if err := writeFits(w, h.frameCards(), f); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	default:
		http.Error(w, fmt.Sprintf("format %s not supported, use jpg, png, or fits", format), http.StatusBadRequest)
	}
}

// frameCards assembles the FITS header for a downloaded frame
func (h HTTPSpectrometer) frameCards() []fitsio.Card {
	roi := h.Controller.ROI()
	cards := []fitsio.Card{
		{Name: "BZERO", Value: 32768},
		{Name: "BSCALE", Value: 1.0},
		{Name: "EXPTIME", Value: h.Controller.ExposureMS(), Comment: "exposure time, milliseconds"},
		{Name: "GAIN", Value: h.Controller.Gain(), Comment: "gain, 0.1 dB steps"},
		{Name: "XBINNING", Value: roi.Binning},
		{Name: "YBINNING", Value: roi.Binning},
	}
	if st := h.Controller.Status(); st.Camera != nil {
		cards = append(cards, fitsio.Card{Name: "INSTRUME", Value: st.Camera.Name})
	}
	return cards
}

// GetSettings returns the merged settings tree as JSON
func (h HTTPSpectrometer) GetSettings(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Store.Snapshot()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// UpdateSettings deep merges a JSON document of category partials into
// the current settings, committed as one write.  Camera settings
// changed this way reach the hardware at the next connect
func (h HTTPSpectrometer) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	updates := map[string]map[string]interface{}{}
	err := json.NewDecoder(r.Body).Decode(&updates)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.Store.Batch(func(b *settings.Batch) {
		for category, partial := range updates {
			b.Update(category, partial)
		}
	})
	if err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// PromoteSettings overwrites the default document with the current
// merged tree
func (h HTTPSpectrometer) PromoteSettings(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.PromoteToDefault(); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ResetSettings discards the current overrides, returning to the
// default document
func (h HTTPSpectrometer) ResetSettings(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.ResetToDefaults(); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
