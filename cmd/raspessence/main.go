package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"raspessence/lintronic"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("raspessence v%s\n", version)
	fmt.Println("spotifyd -> Bang & Olufsen LinTronic bridge")
}

func printUsage(fs *flag.FlagSet) {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  raspessence [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Follows spotifyd on D-Bus (MPRIS) and drives a B&O amplifier through a")
	fmt.Println("  LinTronic serial interface: AUX on play, volume steps, and power-off")
	fmt.Println("  after the player has been paused or stopped for a while.")
	fmt.Println("  GET /off (Authorization: Bearer <secret>) powers the amplifier off.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Print(fs.FlagUsages())
	fmt.Println()
	fmt.Println("ENVIRONMENT VARIABLES:")
	fmt.Printf("  %s - shared secret for GET /off (required)\n", authSecretEnv)
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Start with defaults (/dev/ttyUSB0, session bus, 0.0.0.0:8080)")
	fmt.Printf("  %s=... raspessence\n", authSecretEnv)
	fmt.Println()
	fmt.Println("  # Use a config file and log to a rotated file")
	fmt.Println("  raspessence --config /etc/raspessence.yaml --log-file /var/log/raspessence.log")
	fmt.Println()
}

func main() {
	fs := flag.NewFlagSet("raspessence", flag.ContinueOnError)
	fs.SortFlags = false

	var (
		configPath   = fs.StringP("config", "c", "", "YAML config file")
		serialDevice = fs.String("serial-device", defaultSerialDevice, "LinTronic serial device")
		serialBaud   = fs.Int("serial-baud", lintronic.DefaultBaud, "LinTronic serial line speed")
		systemBus    = fs.Bool("system-bus", false, "Use the D-Bus system bus instead of the session bus")
		playerPrefix = fs.String("player-prefix", defaultPlayerNamePrefix, "MPRIS bus name prefix of the player")
		httpListen   = fs.String("http-listen", defaultHTTPListen, "HTTP listen address for /off, /metrics and /ws/state")
		logLevelStr  = fs.String("log-level", "info", "Log level: error, warn, info, debug")
		logFile      = fs.String("log-file", "", "Write logs to a rotated file instead of stdout")
		showVersion  = fs.Bool("version", false, "Print version and exit")
		showHelp     = fs.BoolP("help", "h", false, "Print this help message")
	)
	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	if *showHelp {
		printUsage(fs)
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Only flags given on the command line override the file.
	var o FlagOverrides
	if fs.Changed("serial-device") {
		o.SerialDevice = serialDevice
	}
	if fs.Changed("serial-baud") {
		o.SerialBaud = serialBaud
	}
	if fs.Changed("system-bus") {
		o.SystemBus = systemBus
	}
	if fs.Changed("player-prefix") {
		o.PlayerPrefix = playerPrefix
	}
	if fs.Changed("http-listen") {
		o.HTTPListen = httpListen
	}
	if fs.Changed("log-level") {
		o.LogLevel = logLevelStr
	}
	if fs.Changed("log-file") {
		o.LogFile = logFile
	}
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	secret, err := LoadAuthSecret()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level) // checked by Validate
	logger, logCloser := setupLogger(logLevel, cfg.Logging.File)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	logger.Debug("starting raspessence", "version", version)
	logger.Debug("configuration",
		"serial_device", cfg.Serial.Device,
		"serial_baud", cfg.Serial.Baud,
		"system_bus", cfg.Bus.System,
		"player_prefix", cfg.Player.NamePrefix,
		"http_listen", cfg.HTTP.Listen,
		"timer_paused", cfg.Timers.Paused,
		"timer_stopped", cfg.Timers.Stopped,
		"power_off_settle", cfg.Timers.PowerOffSettle)

	err = run(ctx, cfg, secret, logger)
	stop()
	if err != nil {
		logger.Error("raspessence stopped", "error", err)
		_ = logCloser.Close()
		os.Exit(1)
	}
	logger.Info("shutting down")
	_ = logCloser.Close()
}

// run wires the serial link, the bus, the coordinator and the HTTP server and
// blocks until ctx is canceled or one of them fails.
func run(ctx context.Context, cfg Config, secret string, logger *slog.Logger) error {
	metrics := NewMetrics()

	port, err := lintronic.OpenSerial(cfg.Serial.Device, cfg.Serial.Baud)
	if err != nil {
		return fmt.Errorf("open lintronic: %w", err)
	}
	defer port.Close()

	amp := lintronic.NewConn(port, logger.With("component", "lintronic"))
	amp.SetObserver(metrics)

	bus, err := connectBus(cfg.Bus.System)
	if err != nil {
		return err
	}
	defer bus.Close()

	signals := make(chan *dbus.Signal, signalBufSize)
	bus.Subscribe(signals)
	if err := bus.WatchNameOwners(); err != nil {
		return fmt.Errorf("watch name owners: %w", err)
	}

	tracker := NewTracker(bus, cfg.Player.NamePrefix, logger.With("component", "mpris"))
	coord := NewCoordinator(amp, tracker, cfg.CoordinatorConfig(), metrics, logger.With("component", "coordinator"))

	g, gctx := errgroup.WithContext(ctx)

	// Callbacks run on the tracker goroutine; gctx unblocks them once the
	// coordinator is gone.
	for prop, cb := range playerCallbacks(gctx, coord.Events(), logger) {
		tracker.RegisterCallback(prop, cb)
	}
	tracker.OnPresenceChange(func(name string, present bool) {
		metrics.SetPlayerPresent(present)
		if err := coord.Post(gctx, PlayerPresenceChanged{Name: name, Present: present}); err != nil {
			logger.Debug("presence change not delivered", "name", name, "error", err)
		}
	})

	if err := tracker.Connect(ctx); err != nil {
		return err
	}

	hub := NewHub(logger.With("component", "ws"), HubConfig{})
	handler := newHTTPHandler(httpRoutes{
		power:   coord,
		secret:  []byte(secret),
		metrics: metrics,
		state:   NewStateServer(hub, coord, logger.With("component", "ws")),
		logger:  logger.With("component", "http"),
	})

	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return tracker.Run(gctx, signals) })
	g.Go(func() error { return amp.Listen(gctx, nil) })
	g.Go(func() error {
		// Closing the port is the only way to unblock the serial reader.
		<-gctx.Done()
		return port.Close()
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		RunBroadcaster(gctx, hub, coord.Broadcasts(), logger)
		return nil
	})
	g.Go(func() error {
		return runWebhooksServer(gctx, cfg.HTTP.Listen, handler, logger.With("component", "http"))
	})

	logger.Info("up and running",
		"serial", port.String(),
		"player", tracker.Active(),
		"http", cfg.HTTP.Listen)

	return g.Wait()
}
