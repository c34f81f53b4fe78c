package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/squeeze/internal/api"
	"github.com/ignite/squeeze/internal/app"
	"github.com/ignite/squeeze/internal/config"
	cli "github.com/urfave/cli/v3"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is already in use: %w", addr, err)
	}
	return ln.Close()
}

func newCommand(action cli.ActionFunc) *cli.Command {
	return &cli.Command{
		Name:  "squeeze-server",
		Usage: "Serve the tracking and admin HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file (defaults plus env when empty)",
				Sources: cli.EnvVars("SQUEEZE_CONFIG"),
			},
		},
		Action: action,
	}
}

func main() {
	if err := newCommand(serve).Run(context.Background(), os.Args); err != nil {
		log.Fatalf("server: %v", err)
	}
}

func serve(ctx context.Context, command *cli.Command) error {
	cfg, err := config.LoadFromEnv(command.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	addr := cfg.Server.Addr()
	if err := checkPortAvailable(addr); err != nil {
		return fmt.Errorf("pre-flight check failed: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer a.Close(context.Background())

	deps := api.Deps{
		Drips:       a.Stores.Drips,
		Steps:       a.Stores.Steps,
		Subscribers: a.Stores.Subscribers,
		Reports:     a.Reports,
		Recorder:    a.Recorder,
	}
	if a.DB != nil {
		deps.Ping = a.DB.PingContext
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           api.SetupRoutes(api.NewHandlers(deps), cfg.Server.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
	return nil
}
