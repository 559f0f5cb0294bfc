package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/abelbrown/harvest/internal/agent"
	"github.com/abelbrown/harvest/internal/fetch"
	"github.com/abelbrown/harvest/internal/translate"
)

func runCheck() error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	skipFeed := fs.Bool("no-feed", false, "Only test the download agent")
	timeout := fs.Duration("timeout", 30*time.Second, "Overall timeout")
	fs.Parse(os.Args[1:])

	cfg, err := common.load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	a, err := agent.New(cfg.Agent)
	if err != nil {
		return err
	}
	fmt.Printf("Agent %s at %s\n", a.Name(), cfg.Agent.URL)
	transfers, err := a.List(ctx)
	if err != nil {
		fmt.Printf("  ✗ %v\n", err)
		return fmt.Errorf("agent check failed")
	}
	ours := 0
	for _, t := range transfers {
		if t.Label != "" {
			ours++
		}
	}
	fmt.Printf("  ✓ connected, %d transfers (%d created by harvest)\n", len(transfers), ours)

	if *skipFeed {
		return nil
	}

	fmt.Println("Feed")
	entries, err := fetch.NewFetcher(cfg.Feed.URL, cfg.Feed.Timeout, cfg.Feed.UserAgent).Fetch(ctx)
	if err != nil {
		fmt.Printf("  ✗ %v\n", err)
		return fmt.Errorf("feed check failed")
	}
	tr := translate.New(translate.WithMarker(cfg.Filters.PrivilegeMarker))
	privileged, valid := 0, 0
	for _, e := range entries {
		rec, err := tr.Translate(e)
		if err != nil {
			continue
		}
		valid++
		if rec.IsPrivileged {
			privileged++
		}
	}
	fmt.Printf("  ✓ %d entries, %d with an id, %d marked %s\n", len(entries), valid, privileged, tr.Marker())
	return nil
}
