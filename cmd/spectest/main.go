// Command spectest exercises a spectrometer bench end to end from the
// terminal.  It connects to the camera, programs a short exposure,
// times a burst of captures and reduces one spectrum, so a bad cable
// or SDK install surfaces before the server is deployed.
//
// Run with the argument mock to use the simulated camera, or a number
// to select among several attached cameras.  Settings are written to
// a throwaway directory, the bench configuration is not touched.
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nasa-jpl/spectrolab/settings"
	"github.com/nasa-jpl/spectrolab/spectrometer"
	"github.com/nasa-jpl/spectrolab/zwo"

	"github.com/theckman/yacspin"
)

const frames = 10

func fail(spin *yacspin.Spinner, err error) {
	spin.StopFailMessage(err.Error())
	spin.StopFail()
	os.Exit(1)
}

func main() {
	var drv zwo.Driver
	if len(os.Args) > 1 && strings.EqualFold(os.Args[1], "mock") {
		drv = zwo.NewSim()
	} else {
		index := 0
		if len(os.Args) > 1 {
			n, err := strconv.Atoi(os.Args[1])
			if err != nil {
				log.Fatalf("argument must be mock or a camera index: %v", err)
			}
			index = n
		}
		drv = zwo.NewASI(index)
	}

	dir, err := os.MkdirTemp("", "spectest")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)
	store, err := settings.New(dir)
	if err != nil {
		log.Fatal(err)
	}
	ctl := spectrometer.New(drv, store)

	spin, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[59],
		Suffix:            " ",
		SuffixAutoColon:   true,
		Message:           "connecting",
		StopCharacter:     "OK",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "FAIL",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	spin.Start()
	if err := ctl.Connect(); err != nil {
		fail(spin, err)
	}
	defer ctl.Disconnect()
	info := ctl.Status().Camera

	spin.Message("programming a 10 ms exposure")
	if err := ctl.SetExposure(10); err != nil {
		fail(spin, err)
	}

	var f *zwo.Frame
	start := time.Now()
	for i := 0; i < frames; i++ {
		spin.Message(fmt.Sprintf("capturing frame %d/%d", i+1, frames))
		f, err = ctl.CaptureRaw()
		if err != nil {
			fail(spin, err)
		}
	}
	elapsed := time.Since(start)

	spin.Message("reducing a spectrum")
	s, err := ctl.AcquireSpectrum()
	if err != nil {
		fail(spin, err)
	}
	spin.StopMessage("bench checks out")
	spin.Stop()

	peak := 0
	for i, v := range s.Counts {
		if v > s.Counts[peak] {
			peak = i
		}
	}
	fmt.Println("camera:  ", info)
	fmt.Printf("frames:   %d x %dx%d in %v, %.1f fps\n",
		frames, f.Width, f.Height,
		elapsed.Round(time.Millisecond), frames/elapsed.Seconds())
	fmt.Printf("spectrum: %d columns, peak %.0f counts at %.1f nm\n",
		len(s.Counts), s.Counts[peak], s.Wavelengths[peak])
}
