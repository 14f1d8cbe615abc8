package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/najoast/nucleus/core"
	"github.com/najoast/nucleus/future"
)

const (
	methodCalculate core.MethodID = "calculate"
	methodAdd       core.MethodID = "add"
	methodResult    core.MethodID = "result"
)

// adderQueueCapacity keeps the adder from throttling the calculators
const adderQueueCapacity = 1 << 16

func piCommand() *cli.Command {
	return &cli.Command{
		Name:  "pi",
		Usage: "approximate pi with the Leibniz series spread over cells",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "messages", Value: 1_000_000, Usage: "number of calculation messages"},
			&cli.IntFlag{Name: "step", Value: 100, Usage: "series terms per message"},
			&cli.IntFlag{Name: "cells", Value: runtime.NumCPU(), Usage: "number of calculating cells"},
			&cli.IntFlag{Name: "rounds", Value: 1, Usage: "number of timed runs"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			app, err := startApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer stopApp(ctx, app)

			w := cmd.Root().Writer
			sched := app.Scheduler()
			cells := cmd.Int("cells")

			var total time.Duration
			rounds := max(cmd.Int("rounds"), 1)
			for i := 0; i < rounds; i++ {
				pi, took, err := calcPi(ctx, sched, cmd.Int("messages"), cmd.Int("step"), cells)
				if err != nil {
					return err
				}
				total += took
				fmt.Fprintf(w, "PI: %.12f\n", pi)
				fmt.Fprintf(w, "TIM (%d) %v\n", cells, took.Round(time.Microsecond))
			}
			if rounds > 1 {
				fmt.Fprintf(w, "average %d cells: %v\n", cells, (total / time.Duration(rounds)).Round(time.Microsecond))
			}
			printStatus(w, sched)
			return nil
		},
	}
}

// adder sums the partial results of the calculators
type adder struct {
	pi float64
}

func (a *adder) Receive(ctx *core.Context, env *core.Envelope) (*future.Future, error) {
	switch env.Method() {
	case methodAdd:
		a.pi += env.Arg(0).(float64)
		return nil, nil
	case methodResult:
		return future.Completed(a.pi), nil
	default:
		return nil, fmt.Errorf("unknown method %q", env.Method())
	}
}

func calculator() core.Handler {
	return core.Methods{
		methodCalculate: func(ctx *core.Context, args []any) (*future.Future, error) {
			start, step, sum := args[0].(int), args[1].(int), args[2].(*core.Cell)
			acc := 0.0
			for i := start * step; i <= (start+1)*step-1; i++ {
				acc += 4.0 * float64(1-(i%2)*2) / float64(2*i+1)
			}
			return nil, ctx.Tell(sum, methodAdd, acc)
		},
	}
}

// calcPi spreads messages batches of step series terms over n cells and
// returns the sum once every calculator has drained its mailbox.
func calcPi(ctx context.Context, sched *core.Scheduler, messages, step, n int) (float64, time.Duration, error) {
	if n < 1 || step < 1 {
		return 0, 0, fmt.Errorf("cells and step must be positive")
	}
	began := time.Now()

	sum, err := sched.Spawn(&adder{}, core.CellOptions{Name: "adder", QueueCapacity: adderQueueCapacity})
	if err != nil {
		return 0, 0, err
	}
	defer sum.Stop(ctx)

	calcs := make([]*core.Cell, n)
	for i := range calcs {
		c, err := sched.Spawn(calculator(), core.CellOptions{Name: fmt.Sprintf("pi-%d", i)})
		if err != nil {
			return 0, 0, err
		}
		defer c.Stop(ctx)
		calcs[i] = c
	}

	for i := 0; i < messages; i += n {
		for j, c := range calcs {
			if err := c.Tell(ctx, methodCalculate, i+j, step, sum); err != nil {
				return 0, 0, err
			}
		}
	}

	pings := make([]*future.Future, n)
	for i, c := range calcs {
		pings[i] = c.Ping(ctx)
	}
	if _, err := future.AllOf(pings...).Await(ctx, 0); err != nil {
		return 0, 0, err
	}

	v, err := sum.Call(ctx, methodResult).Await(ctx, 0)
	if err != nil {
		return 0, 0, err
	}
	return v.(float64), time.Since(began), nil
}
