package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/abelbrown/harvest/internal/capacity"
	"github.com/abelbrown/harvest/internal/config"
	"github.com/abelbrown/harvest/internal/store"
	"github.com/abelbrown/harvest/internal/ui/status"
)

func runStatus() error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	watch := fs.Bool("watch", false, "Live view, refreshed periodically")
	every := fs.Duration("every", 2*time.Second, "Refresh interval for -watch")
	fs.Parse(os.Args[1:])

	cfg, err := common.load()
	if err != nil {
		return err
	}
	load := snapshotLoader(cfg)

	if *watch {
		p := tea.NewProgram(status.NewModel(load, *every), tea.WithAltScreen())
		_, err := p.Run()
		return err
	}

	snap, err := load()
	if err != nil {
		return err
	}
	width := 0
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		width = w
	}
	fmt.Print(status.Render(snap.Records, snap.Used, snap.Budget, width))
	return nil
}

// snapshotLoader reads the state afresh on every call so a running
// daemon's writes show up. It never writes.
func snapshotLoader(cfg *config.Config) status.Loader {
	usage := capacity.DirUsage(cfg.Storage.ContentDir)
	budget := cfg.Storage.BudgetBytes()
	return func() (status.Snapshot, error) {
		records, err := store.ReadState(cfg.State.Backend, cfg.State.Path)
		if err != nil {
			return status.Snapshot{}, err
		}
		used, err := usage(context.Background())
		if err != nil {
			return status.Snapshot{}, err
		}
		return status.Snapshot{Records: records, Used: used, Budget: budget}, nil
	}
}
