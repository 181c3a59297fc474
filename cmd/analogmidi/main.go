package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("analogmidi v%s\n", version)
	fmt.Println("Analog keyboard to MIDI daemon")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  analogmidi [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Reads per-key depth from analog keyboards (hidraw) and plays them as")
	fmt.Println("  MIDI notes with velocity and polyphonic aftertouch. Key bindings,")
	fmt.Println("  shift amount and sensitivity are edited at runtime with analogmidi-ctl.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        YAML config file (optional; flags override file values)")
	fmt.Println()
	fmt.Println("  -device-backend string")
	fmt.Println("        Device backend: hidraw|evdev (default \"hidraw\")")
	fmt.Println()
	fmt.Println("  -device string")
	fmt.Println("        Device path or glob; repeatable (default \"/dev/hidraw*\")")
	fmt.Println()
	fmt.Println("  -refresh-hz int")
	fmt.Printf("        Polling rate in Hz (default %d)\n", defaultRefreshHz)
	fmt.Println()
	fmt.Println("  -status-hz int")
	fmt.Printf("        Status snapshot rate in Hz (default %d)\n", defaultStatusHz)
	fmt.Println()
	fmt.Println("  -modifier-key string")
	fmt.Println("        Key that applies the shift amount while held (default \"LeftShift\")")
	fmt.Println()
	fmt.Println("  -aftertouch")
	fmt.Println("        Send polyphonic aftertouch while keys are held (default true)")
	fmt.Println()
	fmt.Println("  -midi-port string")
	fmt.Println("        Preferred MIDI output (substring of the port name)")
	fmt.Println()
	fmt.Println("  -settings string")
	fmt.Println("        User settings JSON file (default \"~/.config/analogmidi/settings.json\")")
	fmt.Println()
	fmt.Println("  -ws-listen string")
	fmt.Println("        Status WebSocket listen address, empty disables (default \"127.0.0.1:3002\")")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Unix domain socket path for IPC (default \"/tmp/analogmidi.sock\")")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Start with defaults")
	fmt.Println("  analogmidi")
	fmt.Println()
	fmt.Println("  # Use a config file and prefer a specific synth")
	fmt.Println("  analogmidi -config ~/.config/analogmidi/config.yaml -midi-port FluidSynth")
	fmt.Println()
	fmt.Println("  # Digital keyboard fallback")
	fmt.Println("  analogmidi -device-backend evdev -device /dev/input/by-id/usb-*-event-kbd")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Requires read access to the device nodes (udev rule or 'input' group)")
	fmt.Println()
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var devicePaths stringList
	var (
		configPath    = flag.String("config", "", "YAML config file")
		deviceBackend = flag.String("device-backend", deviceBackendHidraw, "Device backend: hidraw|evdev")
		refreshHz     = flag.Int("refresh-hz", defaultRefreshHz, "Polling rate in Hz")
		statusHz      = flag.Int("status-hz", defaultStatusHz, "Status snapshot rate in Hz")
		modifierKey   = flag.String("modifier-key", KeyLeftShift.String(), "Shift modifier key")
		aftertouch    = flag.Bool("aftertouch", true, "Send polyphonic aftertouch")
		midiPort      = flag.String("midi-port", "", "Preferred MIDI output (substring)")
		settingsPath  = flag.String("settings", "", "User settings JSON file")
		wsListen      = flag.String("ws-listen", "", "Status WebSocket listen address")
		ipcSocketPath = flag.String("ipc-socket", "", "Unix domain socket path for IPC")
		logLevelStr   = flag.String("log-level", "info", "Log level: error, warn, info, debug")
		showVersion   = flag.Bool("version", false, "Print version and exit")
		showHelp      = flag.Bool("help", false, "Print help message")
	)
	flag.Var(&devicePaths, "device", "Device path or glob (repeatable)")

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	// Config: defaults, then file, then explicitly set flags.
	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fatal("%v", err)
		}
		cfg = loaded
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var o FlagOverrides
	if set["device-backend"] {
		o.DeviceBackend = deviceBackend
	}
	o.DevicePaths = devicePaths
	if set["refresh-hz"] {
		o.RefreshHz = refreshHz
	}
	if set["status-hz"] {
		o.StatusHz = statusHz
	}
	if set["modifier-key"] {
		o.ModifierKey = modifierKey
	}
	if set["aftertouch"] {
		o.Aftertouch = aftertouch
	}
	if set["midi-port"] {
		o.PreferredPort = midiPort
	}
	if set["settings"] {
		o.SettingsPath = settingsPath
	}
	if set["ws-listen"] {
		o.WSListen = wsListen
	}
	if set["ipc-socket"] {
		o.IPCSocketPath = ipcSocketPath
	}
	if set["log-level"] {
		o.LogLevel = logLevelStr
	}
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fatal("%v", err)
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(os.Stdout, logLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("analogmidi stopped with error", "error", err)
		os.Exit(1)
	}
}

// run wires the engine and its surfaces and blocks until a signal arrives
// or a component fails.
func run(cfg Config, logger *slog.Logger) error {
	device, err := openDeviceLayer(cfg.Device, logger)
	if err != nil {
		return fmt.Errorf("device layer: %w", err)
	}

	driver, err := newRtmidiDriver()
	if err != nil {
		return fmt.Errorf("midi driver: %w", err)
	}

	store := newFileSettingsStore(cfg.Settings.Path)
	settings, err := store.Load()
	if err != nil {
		_ = driver.Close()
		return err
	}

	engine := NewEngine(cfg.ToEngineConfig(), device, driver, store, logger)
	if err := engine.Init(settings); err != nil {
		// Nothing is running yet; Shutdown still releases the driver once.
		engine.Shutdown()
		return err
	}
	defer engine.Shutdown()

	logger.Debug("starting analogmidi", "version", version)
	logger.Debug("configuration",
		"device_backend", cfg.Device.Backend,
		"device_paths", cfg.Device.Paths,
		"refresh_hz", cfg.Engine.RefreshHz,
		"status_hz", cfg.Engine.StatusHz,
		"actuation_point", cfg.Engine.ActuationPoint,
		"modifier_key", cfg.Engine.ModifierKey,
		"aftertouch", cfg.Engine.Aftertouch,
		"preferred_port", cfg.MIDI.PreferredPort,
		"settings", ExpandPath(cfg.Settings.Path))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(gctx)
	})

	g.Go(func() error {
		return runIPCServer(gctx, ExpandPath(cfg.IPC.SocketPath), engine, logger)
	})

	events, cancelLog := engine.Subscribe()
	g.Go(func() error {
		defer cancelLog()
		logEvents(gctx, events, logger)
		return nil
	})

	if cfg.WS.Listen != "" {
		wsEvents, cancelWS := engine.Subscribe()
		srv := NewServer(logger, engine, ServerConfig{})
		mux := http.NewServeMux()
		srv.Register(mux, cfg.WS.Path)
		httpSrv := &http.Server{
			Addr:              cfg.WS.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			srv.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error {
			defer cancelWS()
			RunBroadcaster(gctx, srv.Hub(), wsEvents, logger)
			return nil
		})
		g.Go(func() error {
			logger.Info("ws listening", "addr", cfg.WS.Listen, "path", cfg.WS.Path)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ws server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("listening",
		"ipc", cfg.IPC.SocketPath,
		"ws", cfg.WS.Listen,
		"refresh_hz", cfg.Engine.RefreshHz)

	err = g.Wait()
	logger.Info("shutting down")
	return err
}

// logEvents writes connectivity and port changes to the log.
func logEvents(ctx context.Context, events <-chan AppEvent, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case DevicesFound:
				for _, d := range e.Devices {
					logger.Info("device present",
						"name", d.DeviceName,
						"vendor_id", fmt.Sprintf("%04x", d.VendorID),
						"product_id", fmt.Sprintf("%04x", d.ProductID),
						"type", d.DeviceType)
				}
			case PortOptionsChanged:
				active := "none"
				for _, p := range e.Ports {
					if p.Active {
						active = p.Name
					}
				}
				logger.Info("midi outputs", "ports", len(e.Ports), "active", active, "at", eventTime(e))
			case StatusUpdate:
				for code, k := range e.Status.Keys {
					for _, n := range k.Notes {
						if n.Pressed {
							logger.Debug("note sounding", "key", code.String(), "note", n.Name, "channel", n.Channel, "velocity", n.Velocity)
						}
					}
				}
			}
		}
	}
}
