package spectrum

import (
	"math"
	"sort"
)

// defaultTableWidth is the sample count used for numerical inversion
// when the caller does not know the detector width
const defaultTableWidth = 1000

// CalibrationError describes a wavelength solution that cannot serve a
// request
type CalibrationError struct {
	// Reason is a human readable description of the defect
	Reason string
}

// Error satisfies the error interface
func (e CalibrationError) Error() string {
	return "calibration: " + e.Reason
}

// Calibration maps detector columns to wavelengths
type Calibration struct {
	// Coefficients of the wavelength polynomial, lowest order first,
	// wavelength(px) = c0 + c1 px + c2 px^2 + ...
	Coefficients []float64 `json:"wavelength_coefficients"`

	// LaserWavelength is the excitation wavelength in nm used for
	// Raman shifts
	LaserWavelength float64 `json:"laser_wavelength"`
}

// WavelengthAt evaluates the polynomial at a column index
func (c Calibration) WavelengthAt(px int) float64 {
	x := float64(px)
	var w float64
	for i := len(c.Coefficients) - 1; i >= 0; i-- {
		w = w*x + c.Coefficients[i]
	}
	return w
}

// Wavelengths evaluates the polynomial over n columns
func (c Calibration) Wavelengths(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = c.WavelengthAt(i)
	}
	return out
}

// PixelFor inverts the polynomial, returning the column whose wavelength
// is closest to w.  Linear calibrations invert analytically.  Higher
// order calibrations are inverted through a dense forward table spanning
// width columns; wavelengths outside the table extrapolate with the edge
// slope.  The result is not clamped to the detector
func (c Calibration) PixelFor(w float64, width int) (int, error) {
	n := len(c.Coefficients)
	if n < 2 {
		return 0, CalibrationError{Reason: "fewer than two coefficients, not usable for inversion"}
	}
	if n == 2 {
		if c.Coefficients[1] == 0 {
			return 0, CalibrationError{Reason: "linear term is zero, wavelength does not vary with pixel"}
		}
		return int(math.Round((w - c.Coefficients[0]) / c.Coefficients[1])), nil
	}
	if width <= 0 {
		width = defaultTableWidth
	}
	if width < 2 {
		return 0, CalibrationError{Reason: "detector too narrow to invert numerically"}
	}
	pos, err := invert(c.Wavelengths(width), w)
	if err != nil {
		return 0, err
	}
	return int(math.Round(pos)), nil
}

// invert finds the fractional index whose table value equals w.  The
// table must be strictly monotonic in either direction
func invert(table []float64, w float64) (float64, error) {
	n := len(table)
	inc := table[n-1] > table[0]
	ws := table
	if !inc {
		ws = make([]float64, n)
		for i := range ws {
			ws[i] = table[n-1-i]
		}
	}
	for i := 1; i < n; i++ {
		if ws[i] <= ws[i-1] {
			return 0, CalibrationError{Reason: "wavelength axis is not monotonic over the detector"}
		}
	}
	var pos float64
	switch {
	case w <= ws[0]:
		pos = (w - ws[0]) / (ws[1] - ws[0])
	case w >= ws[n-1]:
		pos = float64(n-1) + (w-ws[n-1])/(ws[n-1]-ws[n-2])
	default:
		j := sort.SearchFloat64s(ws, w)
		pos = float64(j-1) + (w-ws[j-1])/(ws[j]-ws[j-1])
	}
	if !inc {
		pos = float64(n-1) - pos
	}
	return pos, nil
}

// RamanShift converts an absolute wavelength in nm to a Raman shift in
// inverse centimeters relative to the laser line
func (c Calibration) RamanShift(w float64) float64 {
	return 1e7/c.LaserWavelength - 1e7/w
}

// RamanShifts converts a wavelength axis to Raman shifts
func (c Calibration) RamanShifts(ws []float64) []float64 {
	out := make([]float64, len(ws))
	for i, w := range ws {
		out[i] = c.RamanShift(w)
	}
	return out
}
