package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"crossposter/internal/app"
)

func main() {
	var (
		cfgPath string
		once    bool
		dryRun  bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.BoolVar(&once, "once", false, "run a single invocation and exit, ignoring the schedule")
	flag.BoolVar(&dryRun, "dry-run", false, "simulate the run: no posts published, no store writes")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	defer a.Close()

	scheduled := a.Scheduled() && !once && !dryRun
	if !scheduled {
		if err := a.RunOnce(ctx, dryRun); err != nil {
			fmt.Println("fatal:", err)
			os.Exit(1)
		}
		return
	}

	if err := a.Daemon(ctx); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}
