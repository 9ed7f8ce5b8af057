package spectrometer

import (
	"io"

	"github.com/astrogo/fitsio"
	"github.com/nasa-jpl/spectrolab/zwo"
)

// writeFits streams a frame to w as a 16-bit FITS image
func writeFits(w io.Writer, metadata []fitsio.Card, f *zwo.Frame) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(16, []int{f.Width, f.Height})
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}
	// FITS stores signed 16 bit data; the uint16 underflow wraps
	// exactly as the BZERO card expects
	buf := make([]int16, len(f.Pix))
	for idx := 0; idx < len(f.Pix); idx++ {
		buf[idx] = int16(f.Pix[idx] - 32768)
	}
	err = im.Write(buf)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
