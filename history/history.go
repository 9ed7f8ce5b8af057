/*Package history keeps a rolling record of recent acquisitions.

Each reduced spectrum contributes one sample, its time, the peak count,
the wavelength at the peak, and the integrated count over the detector.
Samples live in fixed capacity ring buffers; once full, the oldest
sample is overwritten.  The zero value is not usable, call New.
*/
package history

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/brandondube/ringo"

	"github.com/nasa-jpl/spectrolab/spectrum"
)

// Recorder accumulates digests of recent spectra.  It is safe for
// concurrent use
type Recorder struct {
	mu        sync.Mutex
	n         int
	times     ringo.CircleTime
	peaks     ringo.CircleF64
	peakWaves ringo.CircleF64
	totals    ringo.CircleF64
}

// New returns a Recorder holding up to capacity samples
func New(capacity int) *Recorder {
	r := &Recorder{}
	r.times.Init(capacity)
	r.peaks.Init(capacity)
	r.peakWaves.Init(capacity)
	r.totals.Init(capacity)
	return r
}

// Record digests one spectrum taken at time t
func (r *Recorder) Record(t time.Time, s spectrum.Spectrum) {
	var peak, peakWave, total float64
	for i, c := range s.Counts {
		total += c
		if c > peak {
			peak = c
			if i < len(s.Wavelengths) {
				peakWave = s.Wavelengths[i]
			}
		}
	}
	r.mu.Lock()
	r.n++
	r.times.Append(t)
	r.peaks.Append(peak)
	r.peakWaves.Append(peakWave)
	r.totals.Append(total)
	r.mu.Unlock()
}

// Len returns the number of samples recorded, without the ring cap
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// payload mirrors the ring contents for JSON encoding
type payload struct {
	Times           []time.Time `json:"times"`
	PeakCounts      []float64   `json:"peak_counts"`
	PeakWavelengths []float64   `json:"peak_wavelengths"`
	TotalCounts     []float64   `json:"total_counts"`
}

// HTTPYield writes the recorded history to w as JSON, oldest sample
// first
func (r *Recorder) HTTPYield(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	p := payload{
		Times:           []time.Time{},
		PeakCounts:      []float64{},
		PeakWavelengths: []float64{},
		TotalCounts:     []float64{},
	}
	if r.n > 0 {
		// Contiguous may alias the ring on a partly filled buffer,
		// copy before the lock is released
		p.Times = append(p.Times, r.times.Contiguous()...)
		p.PeakCounts = append(p.PeakCounts, r.peaks.Contiguous()...)
		p.PeakWavelengths = append(p.PeakWavelengths, r.peakWaves.Contiguous()...)
		p.TotalCounts = append(p.TotalCounts, r.totals.Contiguous()...)
	}
	r.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
