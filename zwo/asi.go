//go:build asisdk

package zwo

/*
#cgo LDFLAGS: -lASICamera2
#include <stdlib.h>
#include "ASICamera2.h"
*/
import "C"
import (
	"errors"
	"fmt"
	"time"
	"unsafe"
)

// errCodes maps ASI_ERROR_CODE values to strings, in enum order
var errCodes = map[int]string{
	1:  "invalid index",
	2:  "invalid ID",
	3:  "invalid control type",
	4:  "camera closed",
	5:  "camera removed",
	6:  "invalid path",
	7:  "invalid file format",
	8:  "invalid size",
	9:  "invalid image type",
	10: "out of boundary",
	11: "timeout",
	12: "invalid sequence",
	13: "buffer too small",
	14: "video mode active",
	15: "exposure in progress",
	16: "general error",
	17: "invalid mode",
}

// Error converts an ASI error code into a Go error, nil on success
func Error(code int) error {
	if code == 0 {
		return nil
	}
	if s, ok := errCodes[code]; ok {
		return fmt.Errorf("ASI: %s", s)
	}
	return fmt.Errorf("ASI: unknown error code %d", code)
}

func enrich(err error, op string) error {
	if err == nil {
		return nil
	}
	return HardwareError{Op: op, Err: err}
}

// ASI is a camera operated through the vendor SDK
type ASI struct {
	// Index selects which attached camera to use when several are present
	Index int

	id        int
	connected bool
	info      CameraInfo
	roi       ROI
}

// NewASI returns a camera bound to the given enumeration index
func NewASI(index int) *ASI {
	return &ASI{Index: index}
}

// Connect satisfies Driver.  It enumerates attached cameras, opens and
// initializes the one at Index, reads its capabilities, and programs a
// full-sensor 16-bit ROI
func (a *ASI) Connect() error {
	n := int(C.ASIGetNumOfConnectedCameras())
	if n == 0 {
		return HardwareError{Op: "connect", Err: errors.New("no cameras attached")}
	}
	if a.Index >= n {
		return HardwareError{Op: "connect", Err: fmt.Errorf("camera index %d out of range, %d attached", a.Index, n)}
	}
	var ci C.ASI_CAMERA_INFO
	err := enrich(Error(int(C.ASIGetCameraProperty(&ci, C.int(a.Index)))), "connect")
	if err != nil {
		return err
	}
	a.id = int(ci.CameraID)
	err = enrich(Error(int(C.ASIOpenCamera(C.int(a.id)))), "connect")
	if err != nil {
		return err
	}
	err = enrich(Error(int(C.ASIInitCamera(C.int(a.id)))), "connect")
	if err != nil {
		C.ASICloseCamera(C.int(a.id))
		return err
	}

	bins := []int{}
	for _, b := range ci.SupportedBins {
		if b == 0 {
			break
		}
		bins = append(bins, int(b))
	}
	a.info = CameraInfo{
		Name:              C.GoString(&ci.Name[0]),
		MaxWidth:          int(ci.MaxWidth),
		MaxHeight:         int(ci.MaxHeight),
		PixelSizeUM:       float64(ci.PixelSize),
		SupportedBins:     bins,
		Mono:              ci.IsColorCam == C.ASI_FALSE,
		MechanicalShutter: ci.MechanicalShutter == C.ASI_TRUE,
		MaxGain:           a.maxGain(),
	}
	a.connected = true

	roi := ROI{Width: a.info.MaxWidth, Height: a.info.MaxHeight, Binning: 1}
	err = a.SetROI(roi)
	if err != nil {
		a.Disconnect()
		return err
	}
	return nil
}

// maxGain scans the control capabilities for the gain limit
func (a *ASI) maxGain() int {
	var n C.int
	if Error(int(C.ASIGetNumOfControls(C.int(a.id), &n))) != nil {
		return 0
	}
	for i := C.int(0); i < n; i++ {
		var caps C.ASI_CONTROL_CAPS
		if Error(int(C.ASIGetControlCaps(C.int(a.id), i, &caps))) != nil {
			continue
		}
		if caps.ControlType == C.ASI_GAIN {
			return int(caps.MaxValue)
		}
	}
	return 0
}

// Disconnect satisfies Driver
func (a *ASI) Disconnect() error {
	if !a.connected {
		return nil
	}
	a.connected = false
	return enrich(Error(int(C.ASICloseCamera(C.int(a.id)))), "disconnect")
}

// Info satisfies Driver
func (a *ASI) Info() (CameraInfo, error) {
	if !a.connected {
		return CameraInfo{}, ErrNotConnected
	}
	return a.info, nil
}

// SetROI satisfies Driver.  The SDK requires width to be a multiple of 8
// and height a multiple of 2; violations surface as hardware errors here
func (a *ASI) SetROI(r ROI) error {
	if !a.connected {
		return ErrNotConnected
	}
	err := enrich(Error(int(C.ASISetROIFormat(C.int(a.id), C.int(r.Width), C.int(r.Height), C.int(r.Binning), C.ASI_IMG_RAW16))), "set ROI")
	if err != nil {
		return err
	}
	err = enrich(Error(int(C.ASISetStartPos(C.int(a.id), C.int(r.StartX), C.int(r.StartY)))), "set ROI")
	if err != nil {
		return err
	}
	a.roi = r
	return nil
}

// ROI satisfies Driver
func (a *ASI) ROI() (ROI, error) {
	if !a.connected {
		return ROI{}, ErrNotConnected
	}
	var (
		w, h, b C.int
		it      C.ASI_IMG_TYPE
		x, y    C.int
	)
	err := enrich(Error(int(C.ASIGetROIFormat(C.int(a.id), &w, &h, &b, &it))), "get ROI")
	if err != nil {
		return ROI{}, err
	}
	err = enrich(Error(int(C.ASIGetStartPos(C.int(a.id), &x, &y))), "get ROI")
	if err != nil {
		return ROI{}, err
	}
	return ROI{StartX: int(x), StartY: int(y), Width: int(w), Height: int(h), Binning: int(b)}, nil
}

// SetExposure satisfies Driver.  The SDK works in microseconds
func (a *ASI) SetExposure(ms float64) error {
	if !a.connected {
		return ErrNotConnected
	}
	us := C.long(ms * 1000)
	return enrich(Error(int(C.ASISetControlValue(C.int(a.id), C.ASI_EXPOSURE, us, C.ASI_FALSE))), "set exposure")
}

// Exposure satisfies Driver
func (a *ASI) Exposure() (float64, error) {
	if !a.connected {
		return 0, ErrNotConnected
	}
	var (
		us   C.long
		auto C.ASI_BOOL
	)
	err := enrich(Error(int(C.ASIGetControlValue(C.int(a.id), C.ASI_EXPOSURE, &us, &auto))), "get exposure")
	return float64(us) / 1000, err
}

// SetGain satisfies Driver
func (a *ASI) SetGain(g int) error {
	if !a.connected {
		return ErrNotConnected
	}
	return enrich(Error(int(C.ASISetControlValue(C.int(a.id), C.ASI_GAIN, C.long(g), C.ASI_FALSE))), "set gain")
}

// Gain satisfies Driver
func (a *ASI) Gain() (int, error) {
	if !a.connected {
		return 0, ErrNotConnected
	}
	var (
		g    C.long
		auto C.ASI_BOOL
	)
	err := enrich(Error(int(C.ASIGetControlValue(C.int(a.id), C.ASI_GAIN, &g, &auto))), "get gain")
	return int(g), err
}

// StartExposure satisfies Driver
func (a *ASI) StartExposure() error {
	if !a.connected {
		return ErrNotConnected
	}
	return enrich(Error(int(C.ASIStartExposure(C.int(a.id), C.ASI_FALSE))), "start exposure")
}

// ExposureStatus satisfies Driver
func (a *ASI) ExposureStatus() (ExposureStatus, error) {
	if !a.connected {
		return ExpIdle, ErrNotConnected
	}
	var st C.ASI_EXPOSURE_STATUS
	err := enrich(Error(int(C.ASIGetExpStatus(C.int(a.id), &st))), "exposure status")
	if err != nil {
		return ExpIdle, err
	}
	switch st {
	case C.ASI_EXP_IDLE:
		return ExpIdle, nil
	case C.ASI_EXP_WORKING:
		return ExpWorking, nil
	case C.ASI_EXP_SUCCESS:
		return ExpSuccess, nil
	default:
		return ExpFailed, nil
	}
}

// FrameData satisfies Driver
func (a *ASI) FrameData() (*Frame, error) {
	if !a.connected {
		return nil, ErrNotConnected
	}
	f := NewFrame(a.roi.Width, a.roi.Height)
	nbytes := C.long(len(f.Pix) * 2)
	err := enrich(Error(int(C.ASIGetDataAfterExp(C.int(a.id), (*C.uchar)(unsafe.Pointer(&f.Pix[0])), nbytes))), "download")
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Capture satisfies Driver.  It runs a one-shot exposure through the
// snapshot interface, polling until the SDK leaves the working state.
// The poll is bounded; a sensor that never finishes produces a timeout
// error instead of a hang
func (a *ASI) Capture() (*Frame, error) {
	if !a.connected {
		return nil, ErrNotConnected
	}
	ms, err := a.Exposure()
	if err != nil {
		return nil, err
	}
	err = a.StartExposure()
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(time.Duration(ms*float64(time.Millisecond)) + 5*time.Second)
	for {
		st, err := a.ExposureStatus()
		if err != nil {
			return nil, err
		}
		if st == ExpSuccess {
			break
		}
		if st == ExpFailed {
			return nil, HardwareError{Op: "capture", Err: errors.New("exposure failed")}
		}
		if time.Now().After(deadline) {
			return nil, HardwareError{Op: "capture", Err: errors.New("timed out waiting for exposure")}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return a.FrameData()
}
