package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/nasa-jpl/spectrolab/comm"
	"github.com/nasa-jpl/spectrolab/generichttp"
	spechttp "github.com/nasa-jpl/spectrolab/generichttp/spectrometer"
	"github.com/nasa-jpl/spectrolab/history"
	"github.com/nasa-jpl/spectrolab/server/middleware/locker"
	"github.com/nasa-jpl/spectrolab/settings"
	"github.com/nasa-jpl/spectrolab/shutter"
	"github.com/nasa-jpl/spectrolab/spectrometer"
	"github.com/nasa-jpl/spectrolab/stream"
	"github.com/nasa-jpl/spectrolab/zwo"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "spectrosrv.yml"
	k              = koanf.New(".")
)

type shutterConfig struct {
	// Addr is the serial port or host:port of the SC10 controller.
	// Empty disables shutter control and dark frames are taken with
	// whatever light reaches the sensor
	Addr string `yaml:"Addr"`

	// Serial is true when Addr is a serial port rather than a TCP address
	Serial bool `yaml:"Serial"`
}

type mqttConfig struct {
	// Broker is the URL of the MQTT broker, e.g. tcp://127.0.0.1:1883.
	// Empty disables streaming
	Broker string `yaml:"Broker"`

	// ClientID identifies this process to the broker
	ClientID string `yaml:"ClientID"`

	// Topic is where spectra are published
	Topic string `yaml:"Topic"`

	// RateHz caps the publish rate, surplus spectra are dropped
	RateHz float64 `yaml:"RateHz"`
}

type config struct {
	// Addr overrides the host:port stored in the settings files when
	// nonempty
	Addr          string        `yaml:"Addr"`
	Root          string        `yaml:"Root"`
	SettingsDir   string        `yaml:"SettingsDir"`
	CameraIndex   int           `yaml:"CameraIndex"`
	Mock          bool          `yaml:"Mock"`
	HistoryLength int           `yaml:"HistoryLength"`
	Shutter       shutterConfig `yaml:"Shutter"`
	MQTT          mqttConfig    `yaml:"MQTT"`
}

func setupconfig() {
	k.Load(structs.Provider(config{
		Root:          "/",
		SettingsDir:   ".",
		HistoryLength: 1024,
		Shutter:       shutterConfig{Serial: true},
		MQTT: mqttConfig{
			ClientID: "spectrosrv",
			Topic:    "spectrolab/spectra",
			RateHz:   10}}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `spectrosrv exposes control of a line-scan Raman spectrometer over HTTP.
This enables a server-client architecture,
and the clients can leverage the excellent HTTP
libraries for any programming language,
instead of custom socket logic.

Usage:
	spectrosrv <command>

Commands:
	run
	help
	mkconf
	conf
	reset
	version`
	fmt.Println(str)
}

func help() {
	str := `spectrosrv is amenable to configuration via its .yaml file.  For a primer
on YAML, see https://yaml.org/start.html

When no configuration is provided, the defaults are used.  The command
mkconf generates the configuration file with the default values.  There
is no need to do this unless you want to start from the prepopulated
defaults when making a config file.

The .yaml file covers deployment concerns only: which camera to open,
where the settings files live, the shutter port and the MQTT broker.
Acquisition parameters (exposure, gain, ROI, calibration, processing)
are kept in the settings files under SettingsDir and are editable over
HTTP at /settings while the server runs.  The command reset discards
the current settings file and restores the defaults file, for benches
left in a strange state.

Mock true swaps the camera and shutter for software simulations, which
is useful for developing clients with no hardware attached.

The server binds the host and port stored under the server settings
category unless Addr is nonempty, which overrides both.`
	fmt.Println(str)
}

func mkconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	err = yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func reset() {
	cfg := config{}
	k.Unmarshal("", &cfg)
	store, err := settings.New(cfg.SettingsDir)
	if err != nil {
		log.Fatal(err)
	}
	if err := store.ResetToDefaults(); err != nil {
		log.Fatal(err)
	}
	log.Println("settings restored to defaults in", cfg.SettingsDir)
}

func pversion() {
	fmt.Printf("spectrosrv version %v\n", Version)
}

func run() {
	cfg := config{}
	k.Unmarshal("", &cfg)
	store, err := settings.New(cfg.SettingsDir)
	if err != nil {
		log.Fatal(err)
	}

	var drv zwo.Driver
	if cfg.Mock {
		log.Println("Mock true, using simulated camera")
		drv = zwo.NewSim()
	} else {
		drv = zwo.NewASI(cfg.CameraIndex)
	}
	ctl := spectrometer.New(drv, store)

	rec := history.New(cfg.HistoryLength)
	ctl.Telem = rec

	if cfg.Shutter.Addr != "" {
		dev := comm.NewRemoteDevice(cfg.Shutter.Addr, cfg.Shutter.Serial, nil, nil)
		ctl.Shutter = shutter.NewSC10(dev)
	} else if cfg.Mock {
		ctl.Shutter = &shutter.Sim{}
	}

	if cfg.MQTT.Broker != "" {
		pub, err := stream.New(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Topic, cfg.MQTT.RateHz)
		if err != nil {
			log.Println("streaming disabled:", err)
		} else {
			defer pub.Close()
			ctl.Stream = pub
		}
	}

	// connect eagerly so the first client request is fast, but serve
	// either way.  POST /connect brings a camera up later
	if err := ctl.Connect(); err != nil {
		log.Println("camera not connected at startup:", err)
	}

	h := spechttp.NewHTTPSpectrometer(ctl, store)
	rt := h.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/telemetry"}] = rec.HTTPYield

	lock := locker.New()
	lock.DoNotProtect = append(lock.DoNotProtect, "status", "telemetry")
	locker.Inject(h, lock)

	// clean up the submux string
	hndlrS := generichttp.SubMuxSanitize(cfg.Root)
	rootR := chi.NewRouter()
	if store.Bool("server.debug", false) {
		rootR.Use(middleware.Logger)
	}
	mux := chi.NewRouter()
	mux.Use(lock.Check)
	rt.Bind(mux)
	rootR.Mount(hndlrS, mux)

	addr := cfg.Addr
	if addr == "" {
		addr = fmt.Sprintf("%s:%d",
			store.String("server.host", "0.0.0.0"),
			store.Int("server.port", 8000))
	}
	log.Println("now listening for requests at ", addr+hndlrS)
	log.Fatal(http.ListenAndServe(addr, rootR))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "reset":
		reset()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
