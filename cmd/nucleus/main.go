// Command nucleus runs sample workloads on the nucleus cell runtime and
// inspects its configuration.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/najoast/nucleus/bootstrap"
	"github.com/najoast/nucleus/config"
	"github.com/najoast/nucleus/core"
)

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "nucleus: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "nucleus",
		Usage:   "run workloads on the nucleus cell runtime",
		Version: config.CurrentVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "configuration file (yaml or json)",
				Sources: cli.EnvVars("NUCLEUS_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override the configured log level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			piCommand(),
			pingPongCommand(),
			configCommand(),
		},
	}
}

// loadConfig loads the file named by --config, or discovers one in the
// usual places, and applies command line overrides.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	loader := config.NewLoader()

	var cfg *config.Config
	var err error
	if path := cmd.String("config"); path != "" {
		cfg, err = loader.LoadFromFile(path)
	} else {
		cfg, err = loader.AutoLoad()
	}
	if err != nil {
		return nil, err
	}

	if level := cmd.String("log-level"); level != "" {
		cfg.Log.Level = config.LogLevel(level)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// startApp builds and starts an application for one command run
func startApp(ctx context.Context, cmd *cli.Command) (*bootstrap.Application, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	builder := bootstrap.NewApplicationBuilder().WithConfig(cfg)
	if path := cmd.String("config"); path != "" {
		builder.WithConfigFile(path)
	}
	app, err := builder.Build()
	if err != nil {
		return nil, err
	}
	if err := app.Start(ctx); err != nil {
		return nil, err
	}
	return app, nil
}

func stopApp(ctx context.Context, app *bootstrap.Application) {
	if err := app.Shutdown(context.WithoutCancel(ctx)); err != nil {
		app.Logger().Error("shutdown failed", "error", err)
	}
}

func printStatus(w io.Writer, sched *core.Scheduler) {
	st := sched.Status()
	fmt.Fprintf(w, "dispatchers: %d  isolated: %d  cells: %d  dead letters: %d\n",
		st.Dispatchers, st.Isolated, st.Cells, st.DeadLetters)
	for _, d := range sched.Dispatchers() {
		fmt.Fprintf(w, "  %-14s cells=%-4d processed=%-10d tid=%-8d up=%v\n",
			d.Name, d.Cells, d.MessagesProcessed, d.ThreadID, time.Since(d.StartedAt).Round(time.Millisecond))
	}
}
