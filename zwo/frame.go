package zwo

// Frame is a single raw readout.  Pix is row-major, Width*Height long,
// 16 bits per pixel regardless of the sensor bit depth
type Frame struct {
	Pix    []uint16
	Width  int
	Height int
}

// NewFrame allocates a zeroed frame of the given dimensions
func NewFrame(width, height int) *Frame {
	return &Frame{
		Pix:    make([]uint16, width*height),
		Width:  width,
		Height: height,
	}
}

// At returns the sample at column x, row y
func (f *Frame) At(x, y int) uint16 {
	return f.Pix[y*f.Width+x]
}

// Set writes the sample at column x, row y
func (f *Frame) Set(x, y int, v uint16) {
	f.Pix[y*f.Width+x] = v
}

// SameShape answers whether other has identical dimensions
func (f *Frame) SameShape(other *Frame) bool {
	if other == nil {
		return false
	}
	return f.Width == other.Width && f.Height == other.Height
}
