/*Package spectrum reduces detector frames to one dimensional spectra.

A frame from the camera is a 2D image of the slit.  Reduction collapses
it along the slit axis, optionally subtracting a dark frame first and a
fitted baseline afterward, and attaches the wavelength axis from the
calibration polynomial.  Reduction is pure; it touches no hardware and
never fails, degrading to uncorrected output when optional inputs are
absent or mismatched.
*/
package spectrum

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/nasa-jpl/spectrolab/zwo"
)

// ReadoutMode selects how a 2D frame collapses to a 1D spectrum
type ReadoutMode string

// BaselineMode selects the slowly varying background removed from a
// reduced spectrum
type BaselineMode string

const (
	// ReadoutAverage takes the per-column mean over the slit
	ReadoutAverage ReadoutMode = "average"

	// ReadoutMaximum takes the per-column max over the slit
	ReadoutMaximum ReadoutMode = "maximum"

	// BaselineNone leaves the reduced spectrum untouched
	BaselineNone BaselineMode = "none"

	// BaselineLinear subtracts the line through the first and last columns
	BaselineLinear BaselineMode = "linear"

	// BaselinePolynomial subtracts a least squares polynomial fit
	BaselinePolynomial BaselineMode = "polynomial"
)

// ParseReadoutMode converts a settings string into a ReadoutMode
func ParseReadoutMode(s string) (ReadoutMode, error) {
	switch m := ReadoutMode(strings.ToLower(s)); m {
	case ReadoutAverage, ReadoutMaximum:
		return m, nil
	}
	return ReadoutAverage, zwo.ConfigurationError{Param: "readout_mode", Reason: fmt.Sprintf("unknown mode %q, expected average or maximum", s)}
}

// ParseBaselineMode converts a settings string into a BaselineMode
func ParseBaselineMode(s string) (BaselineMode, error) {
	switch m := BaselineMode(strings.ToLower(s)); m {
	case BaselineNone, BaselineLinear, BaselinePolynomial:
		return m, nil
	}
	return BaselineNone, zwo.ConfigurationError{Param: "baseline_correction", Reason: fmt.Sprintf("unknown mode %q, expected none, linear, or polynomial", s)}
}

// Config holds the processing knobs applied during reduction
type Config struct {
	// Readout is the column reduction strategy.  Anything other than
	// maximum reduces by averaging
	Readout ReadoutMode `json:"readout_mode"`

	// Baseline is the background removal strategy
	Baseline BaselineMode `json:"baseline_correction"`

	// Degree of the polynomial used when Baseline is polynomial
	Degree int `json:"polynomial_degree"`

	// SubtractDark enables dark frame subtraction when a dark of
	// matching shape is available
	SubtractDark bool `json:"subtract_dark"`
}

// Spectrum is a reduced 1D spectrum with its wavelength axis
type Spectrum struct {
	// Pixels are detector column indices after binning
	Pixels []int `json:"pixels"`

	// Wavelengths in nm, one per column
	Wavelengths []float64 `json:"wavelengths"`

	// Counts are the reduced intensities, one per column
	Counts []float64 `json:"intensities"`

	// Shifts are Raman shifts in 1/cm, present only when an excitation
	// wavelength is known
	Shifts []float64 `json:"shifts,omitempty"`
}

// Reduce collapses a frame to a spectrum.  dark may be nil; it is
// applied only when cfg.SubtractDark is set and its shape matches f,
// otherwise correction is skipped and reduction continues uncorrected
func Reduce(f *zwo.Frame, cfg Config, cal Calibration, dark *zwo.Frame) Spectrum {
	w, h := f.Width, f.Height
	useDark := cfg.SubtractDark && dark != nil && dark.SameShape(f)
	counts := make([]float64, w)
	for x := 0; x < w; x++ {
		var acc, max float64
		for y := 0; y < h; y++ {
			v := float64(f.At(x, y))
			if useDark {
				v -= float64(dark.At(x, y))
				if v < 0 {
					v = 0
				}
			}
			acc += v
			if v > max {
				max = v
			}
		}
		if cfg.Readout == ReadoutMaximum {
			counts[x] = max
		} else {
			counts[x] = acc / float64(h)
		}
	}
	subtractBaseline(counts, cfg)
	pixels := make([]int, w)
	for i := range pixels {
		pixels[i] = i
	}
	return Spectrum{Pixels: pixels, Wavelengths: cal.Wavelengths(w), Counts: counts}
}

// subtractBaseline removes the configured background from counts in
// place, clamping at zero
func subtractBaseline(counts []float64, cfg Config) {
	n := len(counts)
	if n == 0 {
		return
	}
	switch cfg.Baseline {
	case BaselineLinear:
		first, last := counts[0], counts[n-1]
		var slope float64
		if n > 1 {
			slope = (last - first) / float64(n-1)
		}
		for i := range counts {
			counts[i] = math.Max(counts[i]-(first+slope*float64(i)), 0)
		}
	case BaselinePolynomial:
		base := fitBaseline(counts, cfg.Degree)
		if base == nil {
			return
		}
		for i := range counts {
			counts[i] = math.Max(counts[i]-base[i], 0)
		}
	}
}

// fitBaseline returns the least squares polynomial of the given degree
// evaluated at each column, or nil if the system cannot be solved.
// Columns are mapped onto [-1, 1] before the Vandermonde matrix is
// built; raw column indices to the 4th power overflow the usable
// precision of float64 on long detector rows
func fitBaseline(y []float64, degree int) []float64 {
	n := len(y)
	if degree < 0 {
		degree = 0
	}
	if degree > n-1 {
		degree = n - 1
	}
	xs := make([]float64, n)
	for i := range xs {
		if n > 1 {
			xs[i] = 2*float64(i)/float64(n-1) - 1
		}
	}
	v := mat.NewDense(n, degree+1, nil)
	for i := 0; i < n; i++ {
		p := 1.
		for j := 0; j <= degree; j++ {
			v.Set(i, j, p)
			p *= xs[i]
		}
	}
	var qr mat.QR
	qr.Factorize(v)
	var c mat.VecDense
	err := qr.SolveVecTo(&c, false, mat.NewVecDense(n, y))
	if err != nil {
		return nil
	}
	base := make([]float64, n)
	for i := 0; i < n; i++ {
		p := 1.
		var acc float64
		for j := 0; j <= degree; j++ {
			acc += c.AtVec(j) * p
			p *= xs[i]
		}
		base[i] = acc
	}
	return base
}
