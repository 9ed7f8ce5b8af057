/*Package zwo exposes control of ZWO ASI astronomy cameras in Go.

The cameras are operated through the vendor ASI SDK when built with the
asisdk tag, or through a pure-Go simulated camera otherwise.  Both satisfy
the Driver interface, which is the boundary consumed by the acquisition
layer; anything the rest of the system knows about the hardware passes
through it.

Exposure durations are in milliseconds, matching the units used in the
persisted configuration and over HTTP.  The SDK works in microseconds;
the conversion is internal to the binding.
*/
package zwo

import (
	"errors"
	"fmt"

	"github.com/nasa-jpl/spectrolab/util"
)

// ErrNotConnected is generated when a camera operation is attempted
// before Connect, or after Disconnect
var ErrNotConnected = errors.New("camera not connected")

// HardwareError is generated when the camera or its SDK fails an operation
type HardwareError struct {
	// Op is the operation that failed, e.g. "capture"
	Op string

	// Err is the underlying failure
	Err error
}

// Error satisfies the error interface
func (e HardwareError) Error() string {
	return fmt.Sprintf("camera %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e HardwareError) Unwrap() error {
	return e.Err
}

// ConfigurationError is generated when a requested parameter is invalid
// for the connected camera.  It is always raised before any hardware call
type ConfigurationError struct {
	// Param is the offending parameter, e.g. "binning"
	Param string

	// Reason describes why the value was rejected
	Reason string
}

// Error satisfies the error interface
func (e ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Reason)
}

// CameraInfo describes the static capabilities of a camera.  It is read
// once at connect and discarded at disconnect
type CameraInfo struct {
	// Name is the camera model, e.g. ASI183MM Pro
	Name string `json:"name"`

	// MaxWidth is the sensor width in pixels at binning 1
	MaxWidth int `json:"max_width"`

	// MaxHeight is the sensor height in pixels at binning 1
	MaxHeight int `json:"max_height"`

	// PixelSizeUM is the pixel pitch in micrometers
	PixelSizeUM float64 `json:"pixel_size_um"`

	// SupportedBins holds the binning factors the sensor can do
	SupportedBins []int `json:"supported_bins"`

	// Mono is true for monochrome sensors
	Mono bool `json:"mono"`

	// MechanicalShutter is true if the camera can take darks on its own
	MechanicalShutter bool `json:"mechanical_shutter"`

	// MaxGain is the largest acceptable gain setting
	MaxGain int `json:"max_gain"`
}

func (ci CameraInfo) String() string {
	return fmt.Sprintf("%s %dx%d %.1fum bins %s", ci.Name, ci.MaxWidth, ci.MaxHeight, ci.PixelSizeUM, util.IntSliceToCSV(ci.SupportedBins))
}

// SupportsBin answers whether the sensor can bin by factor b
func (ci CameraInfo) SupportsBin(b int) bool {
	for _, s := range ci.SupportedBins {
		if s == b {
			return true
		}
	}
	return false
}

// ROI describes the sensor region that is read out.  StartX/StartY and
// Width/Height are in binned pixels, 0-based
type ROI struct {
	StartX  int `json:"start_x"`
	StartY  int `json:"start_y"`
	Width   int `json:"width"`
	Height  int `json:"height"`
	Binning int `json:"binning"`
}

// Normalize fills zero Width or Height with the remainder of the sensor
// at the current binning.  Binning of zero becomes one
func (r ROI) Normalize(ci CameraInfo) ROI {
	if r.Binning == 0 {
		r.Binning = 1
	}
	if r.Width == 0 {
		r.Width = ci.MaxWidth/r.Binning - r.StartX
	}
	if r.Height == 0 {
		r.Height = ci.MaxHeight/r.Binning - r.StartY
	}
	return r
}

// Validate checks the ROI against the sensor capabilities.  Errors are
// ConfigurationErrors and are generated without touching hardware
func (r ROI) Validate(ci CameraInfo) error {
	if !ci.SupportsBin(r.Binning) {
		return ConfigurationError{Param: "binning", Reason: fmt.Sprintf("%d not in supported set [%s]", r.Binning, util.IntSliceToCSV(ci.SupportedBins))}
	}
	if r.Width < 1 || r.Height < 1 {
		return ConfigurationError{Param: "roi", Reason: "width and height must be positive"}
	}
	if r.StartX < 0 || r.StartY < 0 {
		return ConfigurationError{Param: "roi", Reason: "start_x and start_y must be nonnegative"}
	}
	maxW := ci.MaxWidth / r.Binning
	maxH := ci.MaxHeight / r.Binning
	if r.StartX+r.Width > maxW {
		return ConfigurationError{Param: "roi", Reason: fmt.Sprintf("start_x+width = %d exceeds sensor width %d at binning %d", r.StartX+r.Width, maxW, r.Binning)}
	}
	if r.StartY+r.Height > maxH {
		return ConfigurationError{Param: "roi", Reason: fmt.Sprintf("start_y+height = %d exceeds sensor height %d at binning %d", r.StartY+r.Height, maxH, r.Binning)}
	}
	return nil
}

// ExposureStatus describes the state of an in-progress exposure
type ExposureStatus int

const (
	// ExpIdle indicates no exposure has been started
	ExpIdle ExposureStatus = iota

	// ExpWorking indicates the exposure is still integrating
	ExpWorking

	// ExpSuccess indicates the exposure finished and data may be downloaded
	ExpSuccess

	// ExpFailed indicates the exposure failed and must be restarted
	ExpFailed
)

func (es ExposureStatus) String() string {
	switch es {
	case ExpIdle:
		return "idle"
	case ExpWorking:
		return "working"
	case ExpSuccess:
		return "success"
	case ExpFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Driver is the boundary to a physical or simulated camera.  Drivers are
// not concurrent safe; the acquisition layer serializes access.  Frame
// shape always matches the last applied ROI
type Driver interface {
	// Connect opens the hardware session
	Connect() error

	// Disconnect closes the hardware session
	Disconnect() error

	// Info returns the static camera capabilities
	Info() (CameraInfo, error)

	// SetROI applies a region of interest
	SetROI(ROI) error

	// ROI returns the last applied region of interest
	ROI() (ROI, error)

	// SetExposure programs the exposure time in milliseconds
	SetExposure(ms float64) error

	// Exposure reads back the programmed exposure time in milliseconds
	Exposure() (float64, error)

	// SetGain programs the gain
	SetGain(g int) error

	// Gain reads back the programmed gain
	Gain() (int, error)

	// Capture integrates one frame and returns it.  It may fail
	// transiently; callers fall back to the manual sequence below
	Capture() (*Frame, error)

	// StartExposure begins integrating without blocking
	StartExposure() error

	// ExposureStatus polls an exposure begun with StartExposure
	ExposureStatus() (ExposureStatus, error)

	// FrameData downloads the frame of a successful exposure
	FrameData() (*Frame, error)
}
