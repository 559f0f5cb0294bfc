package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/harvest/internal/coord"
	"github.com/abelbrown/harvest/internal/events"
	"github.com/abelbrown/harvest/internal/server"
)

func runDaemon() error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	addr := fs.String("addr", "", "Ops server address (overrides server.addr; \"off\" disables)")
	fs.Parse(os.Args[1:])

	cfg, err := common.load()
	if err != nil {
		return err
	}
	switch *addr {
	case "":
	case "off":
		cfg.Server.Addr = ""
	default:
		cfg.Server.Addr = *addr
	}

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.logger.Info("harvest starting",
		"agent", a.agent.Name(), "interval", cfg.Pipeline.Interval,
		"budget_gb", cfg.Storage.BudgetGB, "per_cycle", cfg.Pipeline.MaxPerCycle,
		"tracked", a.repo.Len())
	a.events.Emit(events.Event{Level: events.LevelInfo, Kind: events.KindStartup, Comp: "main", Count: a.repo.Len()})

	g, gctx := errgroup.WithContext(ctx)
	sched := &coord.Scheduler{
		Cycler:   a.pipeline,
		Interval: cfg.Pipeline.Interval,
		Logger:   a.logger,
		Events:   a.events,
	}
	g.Go(func() error { return sched.Run(gctx) })

	if cfg.Server.Addr != "" {
		srv := server.New(cfg.Server.Addr, server.Deps{
			Records:  a.repo,
			Events:   a.ring,
			Gatherer: a.registry,
			Logger:   a.logger,
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	err = g.Wait()
	a.logger.Info("harvest stopped")
	a.events.Emit(events.Event{Level: events.LevelInfo, Kind: events.KindShutdown, Comp: "main"})
	return err
}

func runOnce() error {
	fs := flag.NewFlagSet("once", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	fs.Parse(os.Args[1:])

	cfg, err := common.load()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep := a.pipeline.RunCycle(ctx)
	printReport(os.Stdout, rep)
	return rep.FeedErr
}
