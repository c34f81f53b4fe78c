package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignite/squeeze/internal/app"
	"github.com/ignite/squeeze/internal/config"
	cli "github.com/urfave/cli/v3"
)

func newCommand(action cli.ActionFunc) *cli.Command {
	return &cli.Command{
		Name:  "squeeze-worker",
		Usage: "Consume chunk tasks from the queue and deliver them",
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
	log.Println("Starting squeeze delivery worker...")
	if err := newCommand(runWorker).Run(context.Background(), os.Args); err != nil {
		log.Fatalf("worker: %v", err)
	}
}

func runWorker(ctx context.Context, command *cli.Command) error {
	cfg, err := config.LoadFromEnv(command.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Queue.Backend != "kafka" {
		log.Println("Queue backend is gochannel: chunks are only delivered by the process that dispatches them")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	log.Printf("Consuming %s", cfg.Queue.Topic)
	if err := a.RunConsumer(ctx); err != nil {
		return fmt.Errorf("consumer stopped: %w", err)
	}
	log.Println("Worker stopped")
	return nil
}
