package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/abelbrown/harvest/internal/config"
)

func runInit() error {
	set := flag.NewFlagSet("init", flag.ExitOnError)
	path := set.String("config", "", "Where to write the config")
	force := set.Bool("force", false, "Overwrite an existing file")
	feedURL := set.String("feed", "", "RSS feed URL to store in the file")
	set.Parse(os.Args[1:])

	target := config.Path(*path)
	if _, err := os.Stat(target); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", target)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	cfg := config.Default()
	cfg.Feed.URL = *feedURL
	if err := cfg.Save(target); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", target)
	fmt.Printf("pipeline.max_per_cycle is %d; 0 acquires nothing and %d removes the cap.\n",
		cfg.Pipeline.MaxPerCycle, config.UnlimitedPerCycle)
	if cfg.Feed.URL == "" {
		fmt.Println("Set feed.url (or HARVEST_FEED_URL) before running the daemon.")
	}
	return nil
}
