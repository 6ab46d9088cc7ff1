// signwatch follows a Signpost Core fleet from the terminal.
//
// It keeps a local copy of every sign in sync with the server over
// WebSocket or Server-Sent Events, falling back to polling when the
// stream keeps failing, and shows the fleet in a terminal UI. Press r
// (or send SIGHUP in --plain mode) to reload the list and retry
// streaming.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/nerrad567/signpost-core/internal/clientsync"
	"github.com/nerrad567/signpost-core/internal/infrastructure/config"
	"github.com/nerrad567/signpost-core/internal/infrastructure/logging"
	"github.com/nerrad567/signpost-core/internal/sign"
)

// Version information - set at build time via ldflags
var version = "dev"

// Transport names accepted by --transport.
const (
	transportWS   = "ws"
	transportSSE  = "sse"
	transportPoll = "poll"
)

// errStreamingDisabled keeps the syncer in polling mode for --transport poll.
var errStreamingDisabled = errors.New("streaming disabled")

type options struct {
	server    string
	transport string
	poll      time.Duration
	logLevel  string
	logFile   string
	plain     bool
	once      bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("signwatch", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.server, "server", "s", "http://localhost:3000", "Signpost Core base URL")
	flagSet.StringVarP(&opts.transport, "transport", "t", transportWS, "live transport: ws, sse or poll")
	flagSet.DurationVar(&opts.poll, "poll-interval", clientsync.DefaultPollInterval, "list refresh period while polling")
	flagSet.StringVar(&opts.logLevel, "log-level", "warn", "log level for stderr: debug, info, warn, error")
	flagSet.StringVar(&opts.logFile, "log-file", "", "write logs to this rotated file instead of stderr")
	flagSet.BoolVar(&opts.plain, "plain", false, "redraw a plain table instead of the interactive UI")
	flagSet.BoolVar(&opts.once, "once", false, "print the current fleet and exit")

	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if flagSet.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	switch opts.transport {
	case transportWS, transportSSE, transportPoll:
	default:
		return options{}, fmt.Errorf("unknown transport %q (want ws, sse or poll)", opts.transport)
	}
	return opts, nil
}

func run(args []string, out io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	log := newLogger(opts)
	lister := clientsync.NewHTTPPoller(opts.server, nil)

	if opts.once {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		signs, err := lister.List(ctx)
		if err != nil {
			return fmt.Errorf("listing signs: %w", err)
		}
		return render(out, "snapshot", signs, time.Now())
	}

	source, threshold, err := newSource(opts)
	if err != nil {
		return err
	}

	syncer := clientsync.New(source, lister, clientsync.Config{
		FailureThreshold: threshold,
		PollInterval:     opts.poll,
		Logger:           log.With("component", "clientsync"),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		syncer.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	if opts.plain {
		return runPlain(ctx, syncer, out, log)
	}
	return runUI(ctx, syncer, opts.server)
}

// newLogger logs to stderr, or to a rotated file with --log-file. The
// interactive UI owns the terminal, so it gets a silent logger unless a
// file is given.
func newLogger(opts options) *logging.Logger {
	cfg := config.LoggingConfig{Level: opts.logLevel, Format: "text"}
	switch {
	case opts.logFile != "":
		cfg.Output = "file"
		cfg.File = config.FileLoggingConfig{Path: opts.logFile, MaxSize: 10, MaxBackups: 3}
		return logging.New(cfg, version)
	case opts.plain || opts.once:
		return logging.NewWithWriter(cfg, version, os.Stderr)
	default:
		return logging.NewWithWriter(cfg, version, io.Discard)
	}
}

// runPlain redraws the table on every change. SIGHUP reinitialises.
func runPlain(ctx context.Context, syncer *clientsync.Syncer, out io.Writer, log *logging.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			log.Info("reinitialising on SIGHUP")
			syncer.Reinit()
		case <-syncer.Changes():
			fmt.Fprint(out, "\033[H\033[2J")
			if err := render(out, syncer.State().String(), syncer.Signs(), time.Now()); err != nil {
				return err
			}
		}
	}
}

// runUI runs the interactive fleet view until the user quits or ctx ends.
func runUI(ctx context.Context, syncer *clientsync.Syncer, server string) error {
	program := tea.NewProgram(newFleetModel(syncer, server), tea.WithAltScreen())

	go func() {
		<-ctx.Done()
		program.Quit()
	}()

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("running fleet view: %w", err)
	}
	return nil
}

// newSource builds the stream source for the chosen transport, with the
// failure threshold to use.
func newSource(opts options) (clientsync.StreamSource, int, error) {
	switch opts.transport {
	case transportSSE:
		return clientsync.NewSSESource(opts.server, nil), 0, nil
	case transportPoll:
		return pollOnly{}, 1, nil
	default:
		source, err := clientsync.NewWSSource(opts.server)
		if err != nil {
			return nil, 0, err
		}
		return source, 0, nil
	}
}

// pollOnly never opens a stream, so the syncer settles in Polling.
type pollOnly struct{}

func (pollOnly) Open(context.Context) (clientsync.Stream, error) {
	return nil, errStreamingDisabled
}

// render writes the fleet table under a header naming the sync state.
func render(w io.Writer, state string, signs []sign.Sign, now time.Time) error {
	fmt.Fprintf(w, "signwatch  %s  %d signs\n\n", state, len(signs))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tMODE\tHEADING\tDIRECTION\tBATTERY\tLAST SEEN")
	for i := range signs {
		s := &signs[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s %s\t%d°\t%d°\t%s\t%s\n",
			s.ID,
			s.DisplayName(),
			s.Status,
			s.CurrentMode.Symbol(), s.CurrentMode,
			s.Heading,
			sign.EffectiveDirection(s.Heading, s.CurrentMode),
			batteryText(s.Battery),
			sign.FormatLastSeen(s.LastSeen, now),
		)
	}
	return tw.Flush()
}

func batteryText(battery *int) string {
	if battery == nil {
		return "-"
	}
	return fmt.Sprintf("%d%% (%s)", *battery, sign.BatteryLevel(battery))
}
