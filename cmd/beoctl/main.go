package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	flag "github.com/spf13/pflag"

	"raspessence/lintronic"
)

// ============================================================================
// beoctl - amplifier and bridge command-line tool
// ============================================================================
//
// Usage:
//   beoctl off                    ask the bridge to power the amplifier off
//   beoctl watch                  print the bridge's state WebSocket stream
//   beoctl send <command> [n]     write one LinTronic command to the serial link
//   beoctl listen                 print frames arriving on the serial link
//   beoctl commands               list known LinTronic commands
//
// The bridge commands read the bearer token from RASPESSENCE_AUTH_SECRET or
// from --token-file. send/listen open the serial device directly and must
// not run while the daemon holds it.
// ============================================================================

const (
	authSecretEnv = "RASPESSENCE_AUTH_SECRET"

	defaultBridgeURL    = "http://127.0.0.1:8080"
	defaultSerialDevice = "/dev/ttyUSB0"
)

type options struct {
	bridge    string
	tokenFile string
	timeout   time.Duration

	device string
	baud   int

	verbose bool
}

func main() {
	fs := flag.NewFlagSet("beoctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var opts options
	fs.StringVar(&opts.bridge, "bridge", defaultBridgeURL, "Bridge base URL")
	fs.StringVar(&opts.tokenFile, "token-file", "", "Read the bearer token from this file instead of $"+authSecretEnv)
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "HTTP request timeout")
	fs.StringVar(&opts.device, "device", defaultSerialDevice, "Serial device for send/listen")
	fs.IntVar(&opts.baud, "baud", lintronic.DefaultBaud, "Serial baud rate")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging")
	help := fs.BoolP("help", "h", false, "Show this help message")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage(fs)
		os.Exit(1)
	}
	if *help {
		printUsage(fs)
		os.Exit(0)
	}

	args := fs.Args()
	if len(args) == 0 {
		printUsage(fs)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, args, os.Stdout, logger); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errUsage) {
			printUsage(fs)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func run(ctx context.Context, opts options, args []string, out io.Writer, logger *slog.Logger) error {
	switch args[0] {
	case "off", "power-off":
		token, err := loadToken(opts.tokenFile)
		if err != nil {
			return err
		}
		if err := powerOff(ctx, opts.bridge, token, opts.timeout); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")
		return nil

	case "watch":
		return watch(ctx, opts.bridge, out, logger)

	case "send":
		if len(args) < 2 {
			return fmt.Errorf("%w: send requires a command name", errUsage)
		}
		cmd, err := lintronic.ParseCommand(args[1])
		if err != nil {
			return err
		}
		repeat := 1
		if len(args) > 2 {
			n, err := strconv.Atoi(args[2])
			if err != nil || n < 0 || n > lintronic.MaxRepeat {
				return fmt.Errorf("%w: repeat count must be 0..%d, got %q", errUsage, lintronic.MaxRepeat, args[2])
			}
			repeat = n
		}
		return sendCommand(ctx, opts.device, opts.baud, cmd, repeat, logger)

	case "listen":
		return listen(ctx, opts.device, opts.baud, out, logger)

	case "commands", "list":
		for _, c := range lintronic.Commands() {
			fmt.Fprintf(out, "%-16s %s\n", c, c.Payload())
		}
		return nil

	case "help":
		return errUsage

	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

// loadToken returns the bearer token from path, or from the environment when
// path is empty.
func loadToken(path string) (string, error) {
	if path == "" {
		token := os.Getenv(authSecretEnv)
		if token == "" {
			return "", fmt.Errorf("%s is not set (or use --token-file)", authSecretEnv)
		}
		return token, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return token, nil
}

// powerOff calls GET /off and waits for the bridge to finish the sequence.
func powerOff(ctx context.Context, base, token string, timeout time.Duration) error {
	u, err := endpoint(base, "/off", false)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", u, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return errors.New("bridge rejected the token")
	default:
		return fmt.Errorf("bridge answered %s", resp.Status)
	}
}

// endpoint joins path onto the bridge base URL, switching to ws(s) when asked.
func endpoint(base, path string, ws bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid bridge URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid bridge URL %q: missing host", base)
	}
	if ws {
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}

func watch(ctx context.Context, base string, out io.Writer, logger *slog.Logger) error {
	u, err := endpoint(base, "/ws/state", true)
	if err != nil {
		return err
	}

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	logger.Debug("connecting", "url", u)
	conn, resp, err := d.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", u, err)
	}
	defer conn.Close()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		fmt.Fprintln(out, formatStateMessage(msg))
	}
}

// formatStateMessage renders one state WebSocket frame as a single line.
func formatStateMessage(msg []byte) string {
	var env struct {
		Type string          `json:"type"`
		Ts   time.Time       `json:"ts"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &env); err != nil || env.Type == "" {
		return "[TEXT] " + string(msg)
	}

	var ts string
	if !env.Ts.IsZero() {
		ts = env.Ts.Local().Format(time.TimeOnly) + " "
	}
	return fmt.Sprintf("%s[%s] %s", ts, strings.ToUpper(env.Type), string(env.Data))
}

func openLink(device string, baud int, logger *slog.Logger) (*lintronic.Conn, io.Closer, error) {
	port, err := lintronic.OpenSerial(device, baud)
	if err != nil {
		return nil, nil, err
	}
	return lintronic.NewConn(port, logger), port, nil
}

func sendCommand(ctx context.Context, device string, baud int, cmd lintronic.Command, repeat int, logger *slog.Logger) error {
	amp, port, err := openLink(device, baud, logger)
	if err != nil {
		return err
	}
	defer port.Close()

	return amp.Send(ctx, cmd, repeat)
}

func listen(ctx context.Context, device string, baud int, out io.Writer, logger *slog.Logger) error {
	amp, port, err := openLink(device, baud, logger)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = port.Close()
	}()

	return amp.Listen(ctx, func(f lintronic.Frame) {
		fmt.Fprintln(out, f)
	})
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `beoctl - control a B&O amplifier and the raspessence bridge

Usage:
  beoctl [options] <command> [args]

Commands:
  off, power-off            Power the amplifier off through the bridge
  watch                     Stream bridge state changes
  send <command> [repeat]   Write a LinTronic command to the serial link
  listen                    Print frames received on the serial link
  commands, list            List LinTronic commands
  help                      Show this help message

Options:
%s
Examples:
  RASPESSENCE_AUTH_SECRET=... beoctl off
  beoctl --bridge http://pi.local:8080 watch
  beoctl --device /dev/ttyAMA0 send volume-up 3
`, fs.FlagUsages())
}
