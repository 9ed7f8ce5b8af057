/*Package spectrometer contains the acquisition controller, which owns
the camera for the lifetime of the process.

The controller glues together a zwo.Driver for the sensor, a
settings.Store for persisted configuration, and the spectrum package
for reduction.  Every hardware operation passes through a single mutex;
callers block until their operation completes, and completion is the
answer.  A small status mirror is maintained outside that mutex so
state can be reported while an exposure is in flight.

The capture path never hangs.  A direct capture is attempted first; if
the driver refuses, the controller falls back to a manual exposure with
a bounded wait: sleep exposure*Scale+Buffer, poll, allow one Grace
period, poll once more, then fail.  The timing triple is exported as
Tuning so tests run in milliseconds.
*/
package spectrometer

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/nasa-jpl/spectrolab/settings"
	"github.com/nasa-jpl/spectrolab/spectrum"
	"github.com/nasa-jpl/spectrolab/zwo"
)

// State labels where the controller is in its acquisition lifecycle
type State string

const (
	// Disconnected means no camera session exists
	Disconnected State = "DISCONNECTED"

	// Connecting means a session is being established and configured
	Connecting State = "CONNECTING"

	// Ready means the camera is idle and configured
	Ready State = "READY"

	// Exposing means an integration is in progress
	Exposing State = "EXPOSING"

	// Readout means a completed integration is being downloaded
	Readout State = "READOUT"
)

// exposureTolerance is the allowed difference in milliseconds between
// the requested exposure and the camera readback before a warning is
// logged
const exposureTolerance = 1.0

// Tuning bounds the wait for a manual exposure.  The wait after
// StartExposure is exposure*Scale+Buffer; if the exposure has not
// completed by then, the controller waits one Grace period and polls
// exactly once more before failing
type Tuning struct {
	// Scale multiplies the programmed exposure time
	Scale float64

	// Buffer is a fixed margin added to the scaled exposure
	Buffer time.Duration

	// Grace is the single extra wait granted to a slow exposure
	Grace time.Duration
}

// DefaultTuning returns the production timing constants
func DefaultTuning() Tuning {
	return Tuning{Scale: 1, Buffer: 100 * time.Millisecond, Grace: 300 * time.Millisecond}
}

// Shutter is the slice of bench shutter control used for dark frames
type Shutter interface {
	// Enabled reports whether the shutter is open
	Enabled() (bool, error)

	// SetOpen drives the shutter to the given position
	SetOpen(bool) error
}

// Telemeter receives summary statistics after each successful
// acquisition
type Telemeter interface {
	Record(time.Time, spectrum.Spectrum)
}

// Publisher receives every reduced spectrum, e.g. for streaming to a
// message broker
type Publisher interface {
	Publish(spectrum.Spectrum)
}

// Status is the controller state report served over HTTP
type Status struct {
	// State is the acquisition lifecycle state
	State State `json:"state"`

	// Camera describes the connected camera, nil when disconnected
	Camera *zwo.CameraInfo `json:"camera,omitempty"`

	// HaveDark reports whether a dark reference is cached
	HaveDark bool `json:"have_dark"`

	// Settings is the merged settings tree
	Settings map[string]interface{} `json:"settings"`
}

// Controller owns the camera and serializes everything that touches it
type Controller struct {
	// Tuning bounds the manual exposure wait; see DefaultTuning
	Tuning Tuning

	// BackOff builds the retry policy Connect uses against transient
	// driver refusal.  Tests substitute a tighter policy
	BackOff func() backoff.BackOff

	// Shutter, when non-nil, is closed while a dark frame is taken
	Shutter Shutter

	// Telem, when non-nil, receives per-acquisition statistics
	Telem Telemeter

	// Stream, when non-nil, receives every reduced spectrum
	Stream Publisher

	mu         sync.Mutex // serializes hardware access and mutation
	drv        zwo.Driver
	store      *settings.Store
	info       zwo.CameraInfo
	roi        zwo.ROI
	exposureMS float64
	dark       *zwo.Frame

	stMu   sync.Mutex // guards the status mirror only
	st     State
	stConn bool
	stInfo zwo.CameraInfo
	stDark bool
}

// New returns a controller for the given driver and settings store.
// The camera is not touched until Connect
func New(drv zwo.Driver, store *settings.Store) *Controller {
	return &Controller{
		Tuning:  DefaultTuning(),
		BackOff: defaultBackOff,
		drv:     drv,
		store:   store,
		st:      Disconnected,
	}
}

func defaultBackOff() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock}
}

// hwErr wraps err in a HardwareError for op unless it already is one
func hwErr(op string, err error) error {
	var he zwo.HardwareError
	if errors.As(err, &he) {
		return err
	}
	return zwo.HardwareError{Op: op, Err: err}
}

func (c *Controller) setState(s State) {
	c.stMu.Lock()
	c.st = s
	c.stMu.Unlock()
}

// State returns the lifecycle state without blocking on hardware
func (c *Controller) State() State {
	c.stMu.Lock()
	defer c.stMu.Unlock()
	return c.st
}

func (c *Controller) connected() bool {
	c.stMu.Lock()
	defer c.stMu.Unlock()
	return c.stConn
}

func (c *Controller) dropConnection() {
	c.stMu.Lock()
	c.stConn = false
	c.st = Disconnected
	c.stMu.Unlock()
}

func (c *Controller) setHaveDark(have bool) {
	c.stMu.Lock()
	c.stDark = have
	c.stMu.Unlock()
}

// Status reports state, camera info when connected, dark availability,
// and the merged settings tree.  It never blocks on hardware, so it is
// safe to poll during an exposure
func (c *Controller) Status() Status {
	c.stMu.Lock()
	s := Status{State: c.st, HaveDark: c.stDark}
	if c.stConn {
		ci := c.stInfo
		s.Camera = &ci
	}
	c.stMu.Unlock()
	s.Settings = c.store.Snapshot()
	return s
}

// Connect establishes the camera session and pushes the persisted
// configuration to the hardware: exposure, gain, then ROI.  Transient
// driver refusal is retried with exponential backoff.  Connect on a
// connected controller is a no-op
func (c *Controller) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected() {
		return nil
	}
	c.setState(Connecting)
	if err := backoff.Retry(c.drv.Connect, c.BackOff()); err != nil {
		c.setState(Disconnected)
		return hwErr("connect", err)
	}
	info, err := c.drv.Info()
	if err != nil {
		c.drv.Disconnect()
		c.setState(Disconnected)
		return hwErr("connect", err)
	}
	c.info = info
	if err := c.applyPersisted(); err != nil {
		c.drv.Disconnect()
		c.setState(Disconnected)
		return err
	}
	c.stMu.Lock()
	c.stConn = true
	c.stInfo = info
	c.st = Ready
	c.stMu.Unlock()
	log.Printf("connected to %s", info)
	return nil
}

// applyPersisted pushes the stored camera configuration to hardware.
// The caller holds mu and the driver is connected
func (c *Controller) applyPersisted() error {
	if err := c.programExposure(c.store.Float64("camera.exposure_ms", 100)); err != nil {
		return hwErr("apply exposure", err)
	}
	if err := c.drv.SetGain(c.store.Int("camera.gain", 0)); err != nil {
		return hwErr("apply gain", err)
	}
	roi := c.storedROI().Normalize(c.info)
	if err := roi.Validate(c.info); err != nil {
		return err
	}
	if err := c.drv.SetROI(roi); err != nil {
		return hwErr("apply roi", err)
	}
	c.roi = roi
	return nil
}

// Disconnect closes the camera session.  The dark reference is kept;
// it remains shape checked against future frames
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected() {
		return nil
	}
	err := c.drv.Disconnect()
	c.dropConnection()
	if err != nil {
		return hwErr("disconnect", err)
	}
	return nil
}

// programExposure sets the exposure and reads it back, logging a
// warning when the camera reports a value off by more than the
// tolerance.  The readback value drives the capture wait.  The caller
// holds mu
func (c *Controller) programExposure(ms float64) error {
	if err := c.drv.SetExposure(ms); err != nil {
		return err
	}
	got, err := c.drv.Exposure()
	if err != nil {
		return err
	}
	if math.Abs(got-ms) > exposureTolerance {
		log.Printf("camera reports %.3f ms exposure, %.3f ms requested", got, ms)
	}
	c.exposureMS = got
	return nil
}

func (c *Controller) storedROI() zwo.ROI {
	return zwo.ROI{
		StartX:  c.store.Int("camera.roi.start_x", 0),
		StartY:  c.store.Int("camera.roi.start_y", 0),
		Width:   c.store.Int("camera.roi.width", 0),
		Height:  c.store.Int("camera.roi.height", 100),
		Binning: c.store.Int("camera.roi.binning", 1),
	}
}

// ROI returns the configured readout region.  When connected it is
// normalized against the sensor dimensions
func (c *Controller) ROI() zwo.ROI {
	c.stMu.Lock()
	conn, info := c.stConn, c.stInfo
	c.stMu.Unlock()
	r := c.storedROI()
	if conn {
		r = r.Normalize(info)
	}
	return r
}

// SetROI validates the region against the sensor, applies it, and
// persists it.  A shape change invalidates the dark reference
func (c *Controller) SetROI(r zwo.ROI) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected() {
		return zwo.ErrNotConnected
	}
	r = r.Normalize(c.info)
	if err := r.Validate(c.info); err != nil {
		return err
	}
	if err := c.drv.SetROI(r); err != nil {
		return c.opErr("roi", err)
	}
	if c.dark != nil && (r.Width != c.roi.Width || r.Height != c.roi.Height || r.Binning != c.roi.Binning) {
		log.Printf("dark reference dropped, ROI shape changed %dx%d bin %d -> %dx%d bin %d",
			c.roi.Width, c.roi.Height, c.roi.Binning, r.Width, r.Height, r.Binning)
		c.dark = nil
		c.setHaveDark(false)
	}
	c.roi = r
	return c.store.Update("camera", map[string]interface{}{"roi": map[string]interface{}{
		"start_x": r.StartX,
		"start_y": r.StartY,
		"width":   r.Width,
		"height":  r.Height,
		"binning": r.Binning,
	}})
}

// ExposureMS returns the persisted exposure time in milliseconds
func (c *Controller) ExposureMS() float64 {
	return c.store.Float64("camera.exposure_ms", 100)
}

// SetExposure programs the exposure time in milliseconds and persists
// it.  A readback outside the tolerance logs a warning but does not
// fail the call
func (c *Controller) SetExposure(ms float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected() {
		return zwo.ErrNotConnected
	}
	if ms <= 0 {
		return zwo.ConfigurationError{Param: "exposure_ms", Reason: "must be positive"}
	}
	if err := c.programExposure(ms); err != nil {
		return c.opErr("exposure", err)
	}
	return c.store.Update("camera", map[string]interface{}{"exposure_ms": ms})
}

// Gain returns the persisted gain
func (c *Controller) Gain() int {
	return c.store.Int("camera.gain", 0)
}

// SetGain validates the gain against the sensor, applies it, and
// persists it
func (c *Controller) SetGain(g int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected() {
		return zwo.ErrNotConnected
	}
	if g < 0 || g > c.info.MaxGain {
		return zwo.ConfigurationError{Param: "gain", Reason: fmt.Sprintf("%d outside [0, %d]", g, c.info.MaxGain)}
	}
	if err := c.drv.SetGain(g); err != nil {
		return c.opErr("gain", err)
	}
	return c.store.Update("camera", map[string]interface{}{"gain": g})
}

// Calibration returns the persisted wavelength solution
func (c *Controller) Calibration() spectrum.Calibration {
	return spectrum.Calibration{
		Coefficients:    c.store.Float64s("calibration.wavelength_coefficients", []float64{400, 0.5}),
		LaserWavelength: c.store.Float64("calibration.laser_wavelength", 445),
	}
}

// SetCalibration persists a wavelength solution.  No hardware is
// involved; degenerate solutions surface as CalibrationErrors when
// inversion is attempted
func (c *Controller) SetCalibration(cal spectrum.Calibration) error {
	return c.store.Update("calibration", map[string]interface{}{
		"wavelength_coefficients": cal.Coefficients,
		"laser_wavelength":        cal.LaserWavelength,
	})
}

// Processing returns the persisted reduction configuration.  Values
// that fail to parse fall back to the defaults with a logged warning
func (c *Controller) Processing() spectrum.Config {
	cfg := spectrum.Config{
		Readout:  spectrum.ReadoutAverage,
		Baseline: spectrum.BaselineNone,
		Degree:   c.store.Int("processing.polynomial_degree", 4),
	}
	if m, err := spectrum.ParseReadoutMode(c.store.String("processing.readout_mode", "average")); err == nil {
		cfg.Readout = m
	} else {
		log.Printf("stored readout mode unusable, averaging: %v", err)
	}
	if m, err := spectrum.ParseBaselineMode(c.store.String("processing.baseline_correction", "none")); err == nil {
		cfg.Baseline = m
	} else {
		log.Printf("stored baseline mode unusable, skipping correction: %v", err)
	}
	cfg.SubtractDark = c.store.Bool("spectrometer.subtract_dark", false)
	return cfg
}

// SetProcessing persists the reduction configuration.  The fields span
// two settings categories, committed as one write
func (c *Controller) SetProcessing(cfg spectrum.Config) error {
	if cfg.Baseline == spectrum.BaselinePolynomial && cfg.Degree < 1 {
		return zwo.ConfigurationError{Param: "polynomial_degree", Reason: "must be at least 1 for polynomial baselines"}
	}
	return c.store.Batch(func(b *settings.Batch) {
		b.Update("processing", map[string]interface{}{
			"readout_mode":        string(cfg.Readout),
			"baseline_correction": string(cfg.Baseline),
			"polynomial_degree":   cfg.Degree,
		})
		b.Update("spectrometer", map[string]interface{}{"subtract_dark": cfg.SubtractDark})
	})
}

// opErr classifies a hardware failure: a lost connection drops the
// controller to DISCONNECTED, anything else is wrapped for op
func (c *Controller) opErr(op string, err error) error {
	if errors.Is(err, zwo.ErrNotConnected) {
		c.dropConnection()
		return err
	}
	return hwErr(op, err)
}

// finishCapture resolves the state after a failed capture step: READY
// when the camera survives, DISCONNECTED when the session is gone
func (c *Controller) finishCapture(err error) error {
	err = c.opErr("capture", err)
	if c.connected() {
		c.setState(Ready)
	}
	return err
}

// captureLocked runs the bounded capture path.  The caller holds mu
func (c *Controller) captureLocked() (*zwo.Frame, error) {
	c.setState(Exposing)
	f, err := c.drv.Capture()
	if err == nil {
		c.setState(Ready)
		return f, nil
	}
	if errors.Is(err, zwo.ErrNotConnected) {
		c.dropConnection()
		return nil, err
	}
	log.Printf("direct capture failed, using manual exposure: %v", err)
	if err := c.drv.StartExposure(); err != nil {
		return nil, c.finishCapture(err)
	}
	wait := time.Duration(c.exposureMS*c.Tuning.Scale*float64(time.Millisecond)) + c.Tuning.Buffer
	time.Sleep(wait)
	st, err := c.drv.ExposureStatus()
	if err != nil {
		return nil, c.finishCapture(err)
	}
	if st != zwo.ExpSuccess {
		time.Sleep(c.Tuning.Grace)
		st, err = c.drv.ExposureStatus()
		if err != nil {
			return nil, c.finishCapture(err)
		}
		if st != zwo.ExpSuccess {
			return nil, c.finishCapture(fmt.Errorf("exposure still %s after %v, giving up", st, wait+c.Tuning.Grace))
		}
	}
	c.setState(Readout)
	f, err = c.drv.FrameData()
	if err != nil {
		return nil, c.finishCapture(err)
	}
	c.setState(Ready)
	return f, nil
}

// CaptureRaw integrates one frame and returns it without reduction
func (c *Controller) CaptureRaw() (*zwo.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected() {
		return nil, zwo.ErrNotConnected
	}
	return c.captureLocked()
}

// AcquireDark captures a frame and caches it as the dark reference.
// When a bench shutter is attached it is closed for the capture and
// restored to its prior position afterwards, capture failure included
func (c *Controller) AcquireDark() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected() {
		return zwo.ErrNotConnected
	}
	if c.Shutter != nil {
		open, err := c.Shutter.Enabled()
		if err != nil {
			return fmt.Errorf("reading shutter before dark: %w", err)
		}
		if err := c.Shutter.SetOpen(false); err != nil {
			return fmt.Errorf("closing shutter for dark: %w", err)
		}
		defer func() {
			if err := c.Shutter.SetOpen(open); err != nil {
				log.Printf("restoring shutter after dark: %v", err)
			}
		}()
	}
	f, err := c.captureLocked()
	if err != nil {
		return err
	}
	c.dark = f
	c.setHaveDark(true)
	return nil
}

// Dark returns the cached dark reference, nil when none is held
func (c *Controller) Dark() *zwo.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dark
}

// AcquireSpectrum captures a frame and reduces it under the current
// configuration.  Raman shifts are attached when the display mode asks
// for them and an excitation wavelength is known.  Successful
// acquisitions feed the telemeter and the stream
func (c *Controller) AcquireSpectrum() (spectrum.Spectrum, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected() {
		return spectrum.Spectrum{}, zwo.ErrNotConnected
	}
	f, err := c.captureLocked()
	if err != nil {
		return spectrum.Spectrum{}, err
	}
	cal := c.Calibration()
	cfg := c.Processing()
	if cfg.SubtractDark && c.dark != nil && !c.dark.SameShape(f) {
		log.Printf("dark reference is %dx%d but frame is %dx%d, skipping dark subtraction",
			c.dark.Width, c.dark.Height, f.Width, f.Height)
	}
	s := spectrum.Reduce(f, cfg, cal, c.dark)
	if c.store.String("display.mode", "wavelength") == "raman" && cal.LaserWavelength > 0 {
		s.Shifts = cal.RamanShifts(s.Wavelengths)
	}
	if c.Telem != nil {
		c.Telem.Record(time.Now(), s)
	}
	if c.Stream != nil {
		c.Stream.Publish(s)
	}
	return s, nil
}
