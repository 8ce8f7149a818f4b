// ABOUTME: Minimal coordination service for development and integration testing
// ABOUTME: Enrolls nodes with provisioning codes and assigns addresses from a prefix

package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/2389/nvagent/internal/auth"
	"github.com/2389/nvagent/internal/config"
	"github.com/2389/nvagent/internal/control"
	"github.com/2389/nvagent/internal/logging"
	"github.com/2389/nvagent/internal/tailnet"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("nvagent-coord", pflag.ContinueOnError)
	listen := fs.String("listen", ":50051", "gRPC listen address")
	codes := fs.StringSlice("code", nil, "accepted provisioning code (repeatable)")
	generate := fs.Int("generate", 0, "generate and print N provisioning codes")
	open := fs.Bool("open", false, "accept any 36-character provisioning code")
	prefix := fs.String("prefix", control.DefaultPrefix.String(), "address pool")
	tsHostname := fs.String("tailscale", "", "also listen on a tailnet under this hostname")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error")
	logFormat := fs.String("log-format", "pretty", "text, json or pretty")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := logging.New(config.LoggingConfig{Level: *logLevel, Format: *logFormat}, os.Stderr)

	pool, err := netip.ParsePrefix(*prefix)
	if err != nil {
		return fmt.Errorf("parsing --prefix: %w", err)
	}

	accepted := append([]string(nil), *codes...)
	for range *generate {
		accepted = append(accepted, uuid.New().String())
	}

	srv, err := control.NewServer(control.ServerParams{
		Prefix:         pool,
		ProvCodes:      accepted,
		OpenEnrollment: *open,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	verifier := auth.NewSSHVerifier()
	defer verifier.Close()

	gs := control.NewGRPCServer(verifier, logger)
	control.RegisterControlServer(gs, srv)

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", *listen, err)
	}

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	green.Print("▶ ")
	fmt.Printf("nvagent-coord %s listening on %s, pool %s\n", version, lis.Addr(), pool)
	if *open {
		color.Yellow("  open enrollment: any 36-character code is accepted")
	}
	for _, c := range accepted {
		gray.Print("  code ")
		fmt.Println(c)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- gs.Serve(lis) }()

	if *tsHostname != "" {
		tn, err := tailnet.Start(ctx, config.TailscaleConfig{
			Enabled:   true,
			Hostname:  *tsHostname,
			Ephemeral: true,
		}, logger)
		if err != nil {
			gs.Stop()
			return fmt.Errorf("starting tailscale: %w", err)
		}
		defer tn.Close()

		tsLis, err := tn.Listen(*listen)
		if err != nil {
			gs.Stop()
			return fmt.Errorf("tailnet listen: %w", err)
		}
		green.Print("▶ ")
		fmt.Printf("tailnet %s (%s)\n", *tsHostname, tn.IP())
		go func() { errCh <- gs.Serve(tsLis) }()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("grpc server: %w", err)
	}

	logger.Info("shutting down", "nodes", len(srv.Nodes()))
	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		gs.Stop()
	}
	return nil
}
