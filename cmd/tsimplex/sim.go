package main

import (
	"fmt"
	"time"

	"github.com/filecoin-project/go-tsimplex/sim"
	"github.com/filecoin-project/go-tsimplex/sim/adversary"
	"github.com/filecoin-project/go-tsimplex/sim/latency"
	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/urfave/cli/v2"
)

var simCmd = cli.Command{
	Name:  "sim",
	Usage: "runs the consensus among simulated participants in virtual time",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "participants",
			Usage: "number of honest participants",
			Value: 4,
		},
		&cli.StringFlag{
			Name:  "adversary",
			Usage: "one of none, absent, equivocate, drop, repeat or spam",
			Value: "none",
		},
		&cli.Uint64Flag{
			Name:  "views",
			Usage: "the view every honest participant must finalize",
			Value: 20,
		},
		&cli.Int64Flag{
			Name:  "seed",
			Value: 0x264803e715714f95,
		},
		&cli.StringFlag{
			Name:  "latency",
			Usage: "network latency model: lognormal, zipf or none",
			Value: "lognormal",
		},
		&cli.DurationFlag{
			Name:  "latency-mean",
			Usage: "the mean of the log normal latency, or the maximum of the zipf latency",
			Value: 50 * time.Millisecond,
		},
		&cli.IntFlag{
			Name:  "iterations",
			Usage: "number of simulations to run, each with the next seed",
			Value: 1,
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "the virtual time after which a simulation fails",
			Value: time.Hour,
		},
		&cli.IntFlag{
			Name:  "trace",
			Usage: "trace level: 0 none, 1 sent, 2 received, 3 voter logic, 4 all",
			Value: sim.TraceNone,
		},
	},
	Action: func(c *cli.Context) error {
		generator, err := adversaryGenerator(c.String("adversary"), c.Int64("seed"))
		if err != nil {
			return err
		}
		for i := 0; i < c.Int("iterations"); i++ {
			if err := c.Context.Err(); err != nil {
				return err
			}
			seed := c.Int64("seed") + int64(i)
			lm, err := latencyModel(c.String("latency"), seed, c.Duration("latency-mean"))
			if err != nil {
				return err
			}
			opts := []sim.Option{
				sim.WithNamespace(simplex.Namespace(c.String("namespace"))),
				sim.WithSeed(seed),
				sim.WithHonestParticipantCount(c.Int("participants")),
				sim.WithLatencyModel(lm),
				sim.WithTraceLevel(c.Int("trace")),
			}
			if generator != nil {
				opts = append(opts, sim.WithAdversary(generator))
			}
			sm, err := sim.NewSimulation(opts...)
			if err != nil {
				return err
			}
			if err := sm.Run(c.Uint64("views"), c.Duration("timeout")); err != nil {
				return fmt.Errorf("simulation with seed %d: %w", seed, err)
			}
			_, _ = fmt.Fprintf(c.App.Writer, "seed %d: finalized view %d after %s\n",
				seed, c.Uint64("views"), sm.Time().Sub(time.Time{}))
		}
		return nil
	},
}

func latencyModel(name string, seed int64, d time.Duration) (latency.Model, error) {
	switch name {
	case "", "lognormal":
		return latency.NewLogNormal(seed, d)
	case "zipf":
		return latency.NewZipf(seed, 1.01, 10, d)
	case "none":
		return latency.None, nil
	default:
		return nil, fmt.Errorf("unknown latency model: %s", name)
	}
}

func adversaryGenerator(name string, seed int64) (adversary.Generator, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "absent":
		return adversary.NewAbsentGenerator(), nil
	case "equivocate":
		return adversary.NewEquivocateGenerator(), nil
	case "drop":
		return adversary.NewDropGenerator(seed, 0.5, 10*time.Second), nil
	case "repeat":
		return adversary.NewRepeatGenerator(func(*simplex.Message) int { return 2 }), nil
	case "spam":
		return adversary.NewSpamGenerator(100), nil
	default:
		return nil, fmt.Errorf("unknown adversary: %s", name)
	}
}
