package zwo

import (
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/nasa-jpl/spectrolab/util"
)

// simLine is an emission line painted onto simulated frames.  Center is
// in unbinned sensor pixels, so panning the ROI moves the line as a real
// spectrograph would
type simLine struct {
	center float64
	sigma  float64
	amp    float64
}

/*Sim is a simulated spectrograph camera.

It produces frames containing a handful of Gaussian emission lines over a
bias floor, with a vertical slit profile so that average and maximum
readouts differ.  Signal scales with exposure time and gain.  The zero
value is not usable; create one with NewSim.

Sim is not concurrent safe, the same as real hardware.  Unlike real
hardware it notices when it is mishandled: every entry point increments a
busy counter, and if two calls ever overlap the Overlapped flag trips and
stays tripped.  Tests use this to prove that callers serialize access.

The exported failure fields may be set between operations to exercise
error paths: ConnectErr refuses connection, CaptureFailures fails the
next n direct captures, StickExposure parks a started exposure in the
working state forever, FailExposure fails it, and ReadbackOffsetMS skews
the exposure readback.
*/
type Sim struct {
	// ConnectErr, when non-nil, causes Connect to fail with it
	ConnectErr error

	// CaptureFailures fails the next n calls to Capture
	CaptureFailures int

	// StickExposure makes a started exposure report working forever
	StickExposure bool

	// FailExposure makes a started exposure report failed
	FailExposure bool

	// ReadbackOffsetMS is added to the exposure readback
	ReadbackOffsetMS float64

	// CaptureDelay is slept inside Capture and FrameData, simulating
	// integration and download time
	CaptureDelay time.Duration

	// Illuminated is true when light reaches the slit.  False produces
	// bias and noise only
	Illuminated bool

	busy       int32
	overlapped int32

	connected bool
	info      CameraInfo
	roi       ROI
	expMS     float64
	gain      int
	started   bool
	seq       int
	lines     []simLine
}

// NewSim returns a simulated camera resembling an ASI183MM
func NewSim() *Sim {
	info := CameraInfo{
		Name:              "ZWO ASI183MM (simulated)",
		MaxWidth:          5496,
		MaxHeight:         3672,
		PixelSizeUM:       2.4,
		SupportedBins:     []int{1, 2, 4},
		Mono:              true,
		MechanicalShutter: false,
		MaxGain:           570,
	}
	return &Sim{
		Illuminated: true,
		info:        info,
		roi:         ROI{Width: info.MaxWidth, Height: info.MaxHeight, Binning: 1},
		expMS:       100,
		lines: []simLine{
			{center: 1200, sigma: 6, amp: 18000},
			{center: 2550, sigma: 9, amp: 42000},
			{center: 3900, sigma: 5, amp: 9000},
		},
	}
}

// NewSimWithInfo returns a simulated camera with custom capabilities
func NewSimWithInfo(info CameraInfo) *Sim {
	s := NewSim()
	s.info = info
	s.roi = ROI{Width: info.MaxWidth, Height: info.MaxHeight, Binning: 1}
	return s
}

func (s *Sim) enter() {
	if atomic.AddInt32(&s.busy, 1) != 1 {
		atomic.StoreInt32(&s.overlapped, 1)
	}
}

func (s *Sim) exit() {
	atomic.AddInt32(&s.busy, -1)
}

// Overlapped reports whether two driver calls were ever in flight at once
func (s *Sim) Overlapped() bool {
	return atomic.LoadInt32(&s.overlapped) == 1
}

// Connect satisfies Driver
func (s *Sim) Connect() error {
	s.enter()
	defer s.exit()
	if s.ConnectErr != nil {
		return HardwareError{Op: "connect", Err: s.ConnectErr}
	}
	s.connected = true
	return nil
}

// Disconnect satisfies Driver
func (s *Sim) Disconnect() error {
	s.enter()
	defer s.exit()
	s.connected = false
	s.started = false
	return nil
}

// Info satisfies Driver
func (s *Sim) Info() (CameraInfo, error) {
	s.enter()
	defer s.exit()
	if !s.connected {
		return CameraInfo{}, ErrNotConnected
	}
	return s.info, nil
}

// SetROI satisfies Driver
func (s *Sim) SetROI(r ROI) error {
	s.enter()
	defer s.exit()
	if !s.connected {
		return ErrNotConnected
	}
	s.roi = r
	return nil
}

// ROI satisfies Driver
func (s *Sim) ROI() (ROI, error) {
	s.enter()
	defer s.exit()
	if !s.connected {
		return ROI{}, ErrNotConnected
	}
	return s.roi, nil
}

// SetExposure satisfies Driver
func (s *Sim) SetExposure(ms float64) error {
	s.enter()
	defer s.exit()
	if !s.connected {
		return ErrNotConnected
	}
	s.expMS = ms
	return nil
}

// Exposure satisfies Driver
func (s *Sim) Exposure() (float64, error) {
	s.enter()
	defer s.exit()
	if !s.connected {
		return 0, ErrNotConnected
	}
	return s.expMS + s.ReadbackOffsetMS, nil
}

// SetGain satisfies Driver
func (s *Sim) SetGain(g int) error {
	s.enter()
	defer s.exit()
	if !s.connected {
		return ErrNotConnected
	}
	s.gain = g
	return nil
}

// Gain satisfies Driver
func (s *Sim) Gain() (int, error) {
	s.enter()
	defer s.exit()
	if !s.connected {
		return 0, ErrNotConnected
	}
	return s.gain, nil
}

// Capture satisfies Driver
func (s *Sim) Capture() (*Frame, error) {
	s.enter()
	defer s.exit()
	if !s.connected {
		return nil, ErrNotConnected
	}
	if s.CaptureDelay > 0 {
		time.Sleep(s.CaptureDelay)
	}
	if s.CaptureFailures > 0 {
		s.CaptureFailures--
		return nil, HardwareError{Op: "capture", Err: errors.New("transient readout failure")}
	}
	return s.synthesize(), nil
}

// StartExposure satisfies Driver
func (s *Sim) StartExposure() error {
	s.enter()
	defer s.exit()
	if !s.connected {
		return ErrNotConnected
	}
	s.started = true
	return nil
}

// ExposureStatus satisfies Driver
func (s *Sim) ExposureStatus() (ExposureStatus, error) {
	s.enter()
	defer s.exit()
	if !s.connected {
		return ExpIdle, ErrNotConnected
	}
	if !s.started {
		return ExpIdle, nil
	}
	if s.StickExposure {
		return ExpWorking, nil
	}
	if s.FailExposure {
		return ExpFailed, nil
	}
	return ExpSuccess, nil
}

// FrameData satisfies Driver
func (s *Sim) FrameData() (*Frame, error) {
	s.enter()
	defer s.exit()
	if !s.connected {
		return nil, ErrNotConnected
	}
	if !s.started || s.StickExposure || s.FailExposure {
		return nil, HardwareError{Op: "download", Err: errors.New("no completed exposure")}
	}
	if s.CaptureDelay > 0 {
		time.Sleep(s.CaptureDelay)
	}
	s.started = false
	return s.synthesize(), nil
}

func (s *Sim) synthesize() *Frame {
	s.seq++
	r := s.roi
	f := NewFrame(r.Width, r.Height)
	gainFactor := math.Pow(10, float64(s.gain)/200) // ZWO gain is in 0.1 dB steps
	expFactor := s.expMS / 100
	midY := float64(r.Height) / 2
	slitSigma := float64(r.Height) / 3
	for y := 0; y < r.Height; y++ {
		dy := float64(y) - midY
		slit := math.Exp(-dy * dy / (2 * slitSigma * slitSigma))
		for x := 0; x < r.Width; x++ {
			noise := float64((x*31 + y*17 + s.seq*7) % 23)
			v := 400 + noise
			if s.Illuminated {
				sensorX := float64((r.StartX + x) * r.Binning)
				for _, ln := range s.lines {
					dx := sensorX - ln.center
					v += ln.amp * expFactor * gainFactor * slit * math.Exp(-dx*dx/(2*ln.sigma*ln.sigma))
				}
			}
			f.Set(x, y, uint16(util.Clamp(v, 0, 65535)))
		}
	}
	return f
}
