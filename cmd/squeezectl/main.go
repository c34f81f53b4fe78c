package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignite/squeeze/internal/app"
	"github.com/ignite/squeeze/internal/config"
	"github.com/ignite/squeeze/internal/scheduler"
	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "squeezectl",
		EnableShellCompletion: true,
		Usage:                 "Drive the drip workflow engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file (defaults plus env when empty)",
				Sources: cli.EnvVars("SQUEEZE_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run-steps",
				Usage: "Evaluate every active step once, or a single step",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "step", Usage: "Only evaluate this step ID"},
				},
				Action: withApp(runSteps),
			},
			{
				Name:   "send-drips",
				Usage:  "Dispatch due broadcasts and resend unsent step drips",
				Action: withApp(sendDrips),
			},
			{
				Name:  "enter",
				Usage: "Enter an email address into a funnel",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "funnel", Required: true, Usage: "Funnel ID"},
					&cli.StringFlag{Name: "email", Required: true, Usage: "Subscriber email"},
					&cli.BoolFlag{Name: "ignore-history", Usage: "Re-enter even if previously subscribed"},
				},
				Action: withApp(enterFunnel),
			},
			{
				Name:   "optout-spam",
				Usage:  "Deactivate every subscriber who reported spam",
				Action: withApp(optOutSpam),
			},
			{
				Name:  "stats",
				Usage: "Print delivery and engagement stats of a drip",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "drip", Required: true, Usage: "Drip ID"},
				},
				Action: withApp(printStats),
			},
			{
				Name:   "schedule",
				Usage:  "Run run-steps and send-drips on the configured cron specs",
				Action: withApp(schedule),
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatalf("squeezectl: %v", err)
	}
}

type appAction func(ctx context.Context, command *cli.Command, a *app.App) error

// withApp loads config, builds the App and closes it after the action.
func withApp(fn appAction) cli.ActionFunc {
	return func(ctx context.Context, command *cli.Command) error {
		cfg, err := config.LoadFromEnv(command.String("config"))
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(context.Background()); err != nil {
				log.Printf("close: %v", err)
			}
		}()
		return fn(ctx, command, a)
	}
}

func runSteps(ctx context.Context, command *cli.Command, a *app.App) error {
	if id := command.String("step"); id != "" {
		res, err := a.Engine.RunStep(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(res)
	}
	report, err := a.Engine.RunAll(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func sendDrips(ctx context.Context, _ *cli.Command, a *app.App) error {
	report, err := a.Engine.SendDrips(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func enterFunnel(ctx context.Context, command *cli.Command, a *app.App) error {
	sub, err := a.Funnels.EnterEmail(ctx, command.String("funnel"), command.String("email"), command.Bool("ignore-history"))
	if err != nil {
		return err
	}
	return printJSON(sub)
}

func optOutSpam(ctx context.Context, _ *cli.Command, a *app.App) error {
	n, err := a.OptOut.SpamReporters(ctx)
	if err != nil {
		return err
	}
	log.Printf("opted out %d spam reporters", n)
	return nil
}

func printStats(ctx context.Context, command *cli.Command, a *app.App) error {
	id := command.String("drip")
	stats, err := a.Reports.DripStats(ctx, id)
	if err != nil {
		return err
	}
	subjects, err := a.Reports.SubjectStats(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{"drip": stats, "subjects": subjects})
}

func schedule(ctx context.Context, _ *cli.Command, a *app.App) error {
	if err := a.Engine.ValidateGraph(ctx); err != nil {
		log.Printf("workflow has invalid steps, they will be skipped: %v", err)
	}
	s, err := scheduler.New(a.Config.Scheduler, a.Engine)
	if err != nil {
		return err
	}
	log.Printf("scheduling run-steps %q and send-drips %q", a.Config.Scheduler.RunSteps, a.Config.Scheduler.SendDrips)
	return s.Run(ctx)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
