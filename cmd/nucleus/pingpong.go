package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/najoast/nucleus/core"
	"github.com/najoast/nucleus/future"
)

const (
	methodServe core.MethodID = "serve"
	methodPong  core.MethodID = "pong"
)

func pingPongCommand() *cli.Command {
	return &cli.Command{
		Name:  "pingpong",
		Usage: "measure request/response round trips between cell pairs",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "pairs", Value: 1, Usage: "number of pinger/ponger pairs"},
			&cli.IntFlag{Name: "rounds", Value: 100_000, Usage: "round trips per pair"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			app, err := startApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer stopApp(ctx, app)

			w := cmd.Root().Writer
			pairs, rounds := cmd.Int("pairs"), cmd.Int("rounds")
			took, err := pingPong(ctx, app.Scheduler(), pairs, rounds)
			if err != nil {
				return err
			}

			trips := pairs * rounds
			fmt.Fprintf(w, "%d round trips in %v (%.0f/s)\n",
				trips, took.Round(time.Microsecond), float64(trips)/took.Seconds())
			printStatus(w, app.Scheduler())
			return nil
		},
	}
}

func ponger() core.Handler {
	return core.Methods{
		methodPong: func(ctx *core.Context, args []any) (*future.Future, error) {
			return future.Completed(args[0]), nil
		},
	}
}

// pinger calls its peer rounds times, awaiting each answer inside the cell
func pinger() core.Handler {
	return core.Methods{
		methodServe: func(ctx *core.Context, args []any) (*future.Future, error) {
			peer, rounds := args[0].(*core.Cell), args[1].(int)
			for i := 0; i < rounds; i++ {
				v, err := ctx.Call(peer, methodPong, i).Await(ctx, 0)
				if err != nil {
					return nil, err
				}
				if v != i {
					return nil, fmt.Errorf("pong %d answered %v", i, v)
				}
			}
			return future.Completed(rounds), nil
		},
	}
}

func pingPong(ctx context.Context, sched *core.Scheduler, pairs, rounds int) (time.Duration, error) {
	began := time.Now()

	done := make([]*future.Future, 0, pairs)
	for i := 0; i < pairs; i++ {
		pong, err := sched.Spawn(ponger(), core.CellOptions{Name: fmt.Sprintf("pong-%d", i)})
		if err != nil {
			return 0, err
		}
		defer pong.Stop(ctx)

		ping, err := sched.Spawn(pinger(), core.CellOptions{Name: fmt.Sprintf("ping-%d", i)})
		if err != nil {
			return 0, err
		}
		defer ping.Stop(ctx)

		done = append(done, ping.Call(ctx, methodServe, pong, rounds))
	}

	if _, err := future.AllOf(done...).Await(ctx, 0); err != nil {
		return 0, err
	}
	return time.Since(began), nil
}
