// Command duofern-pair pairs and unpairs DuoFern devices with the USB stick,
// lists the paired set and drives single covers. Stop duofern-home first:
// the stick and the database are opened exclusively.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"duofern-go-home/internal/config"
	"duofern-go-home/internal/coordinator"
	"duofern-go-home/internal/logging"
	"duofern-go-home/internal/stick"
	"duofern-go-home/internal/store"
)

var version = "dev"

const usage = `usage: duofern-pair [flags] <command> [args]

commands:
  pair                     open a pairing window and wait for a device
  unpair                   open an unpairing window and wait for a device
  list                     list the paired devices from the database
  status                   request the status of every paired device
  up <code>                open a cover
  down <code>              close a cover
  stop <code>              stop a cover
  position <code> <0-100>  move a cover to a position (100 = open)

flags:
`

func main() {
	fs := flag.NewFlagSet("duofern-pair", flag.ExitOnError)
	cfgPath := fs.String("config", "config.yaml", "path to the configuration file")
	timeout := fs.Duration("timeout", 60*time.Second, "pairing window length")
	wait := fs.Duration("wait", 12*time.Second, "how long status waits for replies")
	verbose := fs.Bool("v", false, "log protocol traffic to stderr")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	logCfg := cfg.Log
	logCfg.Level = "warn"
	if *verbose {
		logCfg.Level = "debug"
	}
	logger := logging.New(logCfg, version, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t := &tool{out: os.Stdout, cfg: cfg, logger: logger, timeout: *timeout, wait: *wait}
	if err := t.run(ctx, fs.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		if errors.Is(err, stick.ErrPortBusy) {
			fmt.Fprintln(os.Stderr, "  the stick is in use; stop duofern-home and try again")
		}
		os.Exit(1)
	}
}

type tool struct {
	out     io.Writer
	cfg     *config.Config
	logger  *slog.Logger
	timeout time.Duration
	wait    time.Duration
}

func (t *tool) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("no command given")
	}
	cmd := args[0]
	switch cmd {
	case "up", "down", "stop", "position":
		req, err := parseCoverArgs(cmd, args[1:])
		if err != nil {
			return err
		}
		return t.withStore(func(db store.Store) error {
			return t.withCoordinator(ctx, db, func(coord *coordinator.Coordinator) error {
				return t.cover(ctx, coord, req)
			})
		})
	case "pair", "unpair":
		mode, _ := coordinator.ParsePairingMode(cmd)
		return t.withStore(func(db store.Store) error {
			return t.withCoordinator(ctx, db, func(coord *coordinator.Coordinator) error {
				return t.window(ctx, coord, mode)
			})
		})
	case "list":
		return t.withStore(t.list)
	case "status":
		return t.withStore(func(db store.Store) error {
			return t.withCoordinator(ctx, db, func(coord *coordinator.Coordinator) error {
				return t.status(ctx, coord)
			})
		})
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (t *tool) withStore(fn func(store.Store) error) error {
	db, err := store.NewBoltStore(t.cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

// withCoordinator connects to the stick, runs fn and disconnects.
func (t *tool) withCoordinator(ctx context.Context, db store.Store, fn func(*coordinator.Coordinator) error) error {
	events := coordinator.NewEventBus(t.logger)
	defer events.Close()

	coord := coordinator.New(
		stick.Opener(t.cfg.Stick.Port, t.cfg.Stick.Baud, t.cfg.Stick.FlushTimeout),
		db, events, t.cfg.Coordinator(), nil, t.logger,
	)
	defer func() {
		fmt.Fprintln(t.out, "\nDisconnecting...")
		coord.Stop()
	}()

	fmt.Fprintf(t.out, "Connecting to DuoFern stick on %s (system code %s)...\n", t.cfg.Stick.Port, t.cfg.SystemCode())
	startCtx, cancel := context.WithTimeout(ctx, t.cfg.Stick.StartTimeout)
	err := coord.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	info := coord.Info()
	fmt.Fprintf(t.out, "Connected, %d paired devices loaded.\n\n", info.Devices)
	return fn(coord)
}
