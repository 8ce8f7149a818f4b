// ABOUTME: Entry point for the nvagent node agent
// ABOUTME: Provisions the node, keeps the control connection up and inspects local state

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/nvagent/internal/agent"
	"github.com/2389/nvagent/internal/auth"
	"github.com/2389/nvagent/internal/config"
	"github.com/2389/nvagent/internal/events"
	"github.com/2389/nvagent/internal/health"
	"github.com/2389/nvagent/internal/history"
	"github.com/2389/nvagent/internal/identity"
	"github.com/2389/nvagent/internal/logging"
	"github.com/2389/nvagent/internal/node"
	"github.com/2389/nvagent/internal/tailnet"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                      _
  _ ____   ____ _  __ _  ___ _ __ | |_
 | '_ \ \ / / _' |/ _' |/ _ \ '_ \| __|
 | | | \ V / (_| | (_| |  __/ | | | |_
 |_| |_|\_/ \__,_|\__, |\___|_| |_|\__|
                  |___/
`

const shutdownTimeout = 10 * time.Second

func usage() {
	fmt.Println("Usage: nvagent <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run [--code CODE]           Start the agent and stay connected")
	fmt.Println("  provision --code CODE       Provision this node and verify the connection")
	fmt.Println("  status                      Show identity and connection status")
	fmt.Println("  logs [--tail N] [--clear]   Show recorded connection events")
	fmt.Println("  reset [--yes]               Deprovision this node")
	fmt.Println("  autoconnect on|off          Toggle connecting at startup")
	fmt.Println("  init [--force]              Write a default agent.yaml")
	fmt.Println("  version                     Print the version")
	fmt.Println()
	fmt.Println("Every command accepts --config PATH (default " + config.DefaultPath() + ").")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "run":
		err = runAgent(ctx, args)
	case "provision":
		err = runProvision(ctx, args)
	case "status":
		err = runStatus(ctx, args)
	case "logs":
		err = runLogs(ctx, args)
	case "reset":
		err = runReset(ctx, args)
	case "autoconnect":
		err = runAutoConnect(args)
	case "init":
		err = runInit(args)
	case "version", "--version":
		fmt.Println(version)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet returns a flag set for a subcommand with the shared --config flag.
func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet("nvagent "+name, pflag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath(), "path to agent.yaml")
	return fs, configPath
}

func loadSettings(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func openStore() *identity.Store {
	return identity.NewStore(config.ConfigRoot())
}

// refuseIfRunning fails when an `nvagent run` process answers on the health
// endpoint. Commands that rewrite the identity must not race a live agent.
func refuseIfRunning(ctx context.Context, cfg *config.Config) error {
	if cfg.Health.Addr == "" {
		color.Yellow("⚠ health endpoint disabled, cannot tell whether an agent is running")
		return nil
	}
	return health.EnsureNotRunning(ctx, cfg.Health.Addr)
}

func runAgent(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("run")
	code := fs.String("code", "", "provisioning code for a node that is not provisioned yet")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadSettings(*configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging, os.Stderr)
	store := openStore()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", *configPath)
	green.Print("    ▶ ")
	fmt.Printf("Identity:  %s\n", store.Path())
	green.Print("    ▶ ")
	fmt.Printf("Endpoint:  %s\n", orNone(cfg.Control.Endpoint))
	if cfg.Health.Addr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Health:    %s\n", cfg.Health.Addr)
	}
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	opts := []node.Option{
		node.WithVersion(version),
		node.WithSubscribers(newPrinter()),
	}

	if cfg.History.Path != "" {
		rec, err := history.Open(cfg.History.Path, logger)
		if err != nil {
			return fmt.Errorf("opening history: %w", err)
		}
		defer rec.Close()
		opts = append(opts, node.WithSubscribers(rec))
	}

	if cfg.Health.Addr != "" {
		reporter := health.NewReporter(logger)
		opts = append(opts, node.WithSubscribers(reporter))
		go func() {
			if err := reporter.Serve(ctx, cfg.Health.Addr); err != nil {
				logger.Error("health endpoint stopped", "error", err)
			}
		}()
	}

	if cfg.Tailscale.Enabled {
		tn, err := tailnet.Start(ctx, cfg.Tailscale, logger)
		if err != nil {
			return fmt.Errorf("starting tailscale: %w", err)
		}
		defer tn.Close()
		opts = append(opts, node.WithNetDial(tn.Dial))
	}

	n := node.New(cfg, store, logger, opts...)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := n.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	res, err := n.Start(ctx)
	if err != nil {
		return err
	}
	if res.Warning != nil {
		yellow.Printf("    ! %v\n", res.Warning)
	}

	switch res.Outcome {
	case node.NeedsProvisioning:
		if *code == "" {
			return errors.New("node is not provisioned: pass --code or run `nvagent provision --code CODE`")
		}
		if _, err := n.Provision(*code); err != nil {
			return fmt.Errorf("provisioning: %w", err)
		}
	case node.Idle:
		gray.Println("    auto-connect is off, connecting on request")
		if _, err := n.Connect(); err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
	case node.Connecting:
	}

	logger.Info("agent running", "node_id", res.Identity.NodeID, "outcome", res.Outcome.String())
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func runProvision(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("provision")
	code := fs.String("code", "", "36-character provisioning code")
	autoConnect := fs.Bool("auto-connect", true, "connect automatically on the next start")
	wait := fs.Duration("wait", 30*time.Second, "how long to wait for the first connection")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *code == "" {
		return errors.New("--code is required")
	}

	cfg, err := loadSettings(*configPath)
	if err != nil {
		return err
	}
	if err := refuseIfRunning(ctx, cfg); err != nil {
		return err
	}
	logger := logging.New(cfg.Logging, os.Stderr)
	cfg.Retry.Enabled = false

	var opts []node.Option
	if cfg.Tailscale.Enabled {
		tn, err := tailnet.Start(ctx, cfg.Tailscale, logger)
		if err != nil {
			return fmt.Errorf("starting tailscale: %w", err)
		}
		defer tn.Close()
		opts = append(opts, node.WithNetDial(tn.Dial))
	}

	store := openStore()
	n := node.New(cfg, store, logger, opts...)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = n.Close(closeCtx)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, *wait)
	defer cancel()
	ch, _ := n.Events().SubscribeChan(waitCtx, 16)

	ident, err := n.Provision(*code)
	if err != nil {
		return err
	}

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return fmt.Errorf("no connection within %s", *wait)
			}
			switch e.Kind {
			case events.KindConnected:
				if *autoConnect {
					if _, err := n.SetAutoConnect(true); err != nil {
						return fmt.Errorf("enabling auto-connect: %w", err)
					}
				}
				color.Green("✓ provisioned %s, address %s", ident.NodeID, e.Address)
				return nil
			case events.KindLog:
				fmt.Println("  " + e.Line)
				if st := n.State(); st.Phase == agent.PhaseFailed {
					return fmt.Errorf("provisioning failed: %w", st.Err)
				}
			}
		case <-waitCtx.Done():
			return fmt.Errorf("no connection within %s", *wait)
		}
	}
}

func runStatus(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("status")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadSettings(*configPath)
	if err != nil {
		return err
	}
	store := openStore()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	if !store.Exists() {
		yellow.Println("not provisioned")
		return nil
	}

	ident, err := store.Load()
	if err != nil {
		red.Printf("identity unusable: %v\n", err)
	}
	fmt.Printf("Node ID:      %s\n", orNone(ident.NodeID))
	fmt.Printf("Endpoint:     %s\n", orNone(firstNonEmpty(ident.ServerEndpoint, cfg.Control.Endpoint)))
	fmt.Printf("Auto-connect: %t\n", ident.AutoConnect)
	fmt.Printf("Last address: %s\n", orNone(ident.LastAddress))
	if ident.ProvCode != "" {
		fmt.Printf("Prov code:    pending first connection\n")
	}
	if _, err := os.Stat(store.KeyPath()); err == nil {
		if signer, err := auth.LoadOrCreateKey(store.KeyPath()); err == nil {
			fmt.Printf("Key:          %s\n", auth.Fingerprint(signer.PublicKey()))
		}
	}

	if cfg.Health.Addr == "" {
		return nil
	}
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	st, err := health.Check(checkCtx, cfg.Health.Addr)
	fmt.Print("Agent:        ")
	switch {
	case err != nil:
		yellow.Println("not running")
	case st == healthpb.HealthCheckResponse_SERVING:
		green.Println("connected")
	default:
		yellow.Println("running, not connected")
	}
	return nil
}

func runLogs(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("logs")
	tail := fs.IntP("tail", "n", 20, "number of events to show")
	clearAll := fs.Bool("clear", false, "delete all recorded events")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadSettings(*configPath)
	if err != nil {
		return err
	}
	if cfg.History.Path == "" {
		return errors.New("history is disabled in config")
	}

	rec, err := history.Open(cfg.History.Path, slog.New(slog.DiscardHandler))
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer rec.Close()

	if *clearAll {
		if err := rec.Clear(ctx); err != nil {
			return err
		}
		fmt.Println("history cleared")
		return nil
	}

	entries, err := rec.Recent(ctx, *tail)
	if err != nil {
		return err
	}
	for _, e := range entries {
		switch e.Kind {
		case events.KindConnected:
			color.Green("%s", e.String())
		case events.KindDisconnected:
			color.Yellow("%s", e.String())
		default:
			fmt.Println(e.String())
		}
	}
	return nil
}

func runReset(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("reset")
	yes := fs.BoolP("yes", "y", false, "do not ask for confirmation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadSettings(*configPath)
	if err != nil {
		return err
	}
	store := openStore()
	if !store.Exists() {
		fmt.Println("not provisioned, nothing to reset")
		return nil
	}
	if err := refuseIfRunning(ctx, cfg); err != nil {
		return err
	}

	if !*yes {
		fmt.Printf("This deletes %s and the node key. Type 'yes' to continue: ", store.Path())
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if strings.TrimSpace(line) != "yes" {
			return errors.New("aborted")
		}
	}

	cfg.Retry.Enabled = false
	n := node.New(cfg, store, logging.New(cfg.Logging, os.Stderr))
	defer func() { _ = n.Close(context.Background()) }()

	if err := n.Reset(ctx); err != nil {
		return err
	}
	color.Green("✓ node deprovisioned")
	return nil
}

func runAutoConnect(args []string) error {
	fs, _ := newFlagSet("autoconnect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: nvagent autoconnect on|off")
	}

	var enabled bool
	switch fs.Arg(0) {
	case "on", "true", "yes":
		enabled = true
	case "off", "false", "no":
	default:
		return fmt.Errorf("expected on or off, got %q", fs.Arg(0))
	}

	if _, err := openStore().SetAutoConnect(enabled); err != nil {
		return err
	}
	fmt.Printf("auto-connect %s\n", fs.Arg(0))
	return nil
}

func runInit(args []string) error {
	fs, configPath := newFlagSet("init")
	force := fs.Bool("force", false, "overwrite an existing file")
	endpoint := fs.String("endpoint", "", "coordination service address (host:port)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*configPath); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", *configPath)
	}

	cfg := config.Default()
	cfg.Control.Endpoint = *endpoint
	if err := config.Save(*configPath, cfg); err != nil {
		return err
	}
	color.Green("✓ wrote %s", *configPath)
	return nil
}

// newPrinter echoes agent events to stdout.
func newPrinter() events.Subscriber {
	gray := color.New(color.FgHiBlack)
	return events.Funcs{
		Log: func(line string) {
			gray.Print(time.Now().Format("15:04:05") + " ")
			fmt.Println(line)
		},
		Connect: func(address string) {
			gray.Print(time.Now().Format("15:04:05") + " ")
			color.Green("connected, address %s", address)
		},
		Disconnect: func() {
			gray.Print(time.Now().Format("15:04:05") + " ")
			color.Yellow("disconnected")
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
