package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"rebalancer/internal/bootstrap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}

	runners := []bootstrap.Runner{app.Worker}
	if app.Cfg.Alerting.Enabled {
		interval := time.Duration(app.Cfg.Alerting.IntervalSeconds) * time.Second
		runners = append(runners, bootstrap.RunnerFunc(func(ctx context.Context) error {
			return app.Checker.Run(ctx, interval)
		}))
	}

	if err := app.Run(runners...); err != nil {
		os.Exit(1)
	}
}
