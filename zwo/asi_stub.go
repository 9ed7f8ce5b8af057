//go:build !asisdk

package zwo

import "errors"

// ASI is a placeholder used when the binary is built without the vendor
// SDK.  All methods fail; use the asisdk build tag and a copy of the SDK
// to drive real hardware
type ASI struct {
	// Index selects which attached camera to use when several are present
	Index int
}

// NewASI returns a camera bound to the given enumeration index
func NewASI(index int) *ASI {
	return &ASI{Index: index}
}

var errNoSDK = errors.New("zwo: built without asisdk, real cameras unavailable")

// Connect satisfies Driver
func (a *ASI) Connect() error { return errNoSDK }

// Disconnect satisfies Driver
func (a *ASI) Disconnect() error { return errNoSDK }

// Info satisfies Driver
func (a *ASI) Info() (CameraInfo, error) { return CameraInfo{}, errNoSDK }

// SetROI satisfies Driver
func (a *ASI) SetROI(r ROI) error { return errNoSDK }

// ROI satisfies Driver
func (a *ASI) ROI() (ROI, error) { return ROI{}, errNoSDK }

// SetExposure satisfies Driver
func (a *ASI) SetExposure(ms float64) error { return errNoSDK }

// Exposure satisfies Driver
func (a *ASI) Exposure() (float64, error) { return 0, errNoSDK }

// SetGain satisfies Driver
func (a *ASI) SetGain(g int) error { return errNoSDK }

// Gain satisfies Driver
func (a *ASI) Gain() (int, error) { return 0, errNoSDK }

// StartExposure satisfies Driver
func (a *ASI) StartExposure() error { return errNoSDK }

// ExposureStatus satisfies Driver
func (a *ASI) ExposureStatus() (ExposureStatus, error) { return ExpIdle, errNoSDK }

// FrameData satisfies Driver
func (a *ASI) FrameData() (*Frame, error) { return nil, errNoSDK }

// Capture satisfies Driver
func (a *ASI) Capture() (*Frame, error) { return nil, errNoSDK }
