// Command harvest watches a tracker feed and keeps a download agent busy
// within a disk budget.
//
// Usage:
//
//	harvest run              Run the daemon (scheduler + ops server)
//	harvest once             Run a single cycle and exit
//	harvest status [-watch]  Show tracked records and disk usage
//	harvest check            Test the agent and feed connections
//	harvest init             Write a default config file
//	harvest events           View the JSONL event log
package main

import (
	"fmt"
	"os"
)

const usage = `harvest - feed-driven acquisition daemon

Usage:
  harvest <command> [flags]

Commands:
  run       Run the daemon until interrupted
  once      Run one ingestion cycle and exit
  status    Show tracked records and disk usage (-watch for a live view)
  check     Test the download agent and feed connections
  init      Write a default config file
  events    View the JSONL event log

Common flags:
  -config    Config file (default $HARVEST_CONFIG or ~/.harvest/config.yml)
  -env-file  Shell file with HARVEST_* assignments, applied over the config

Environment:
  HARVEST_FEED_URL         RSS feed URL (includes the passkey)
  HARVEST_AGENT_URL        Download agent base URL
  HARVEST_AGENT_USERNAME   Download agent user
  HARVEST_AGENT_PASSWORD   Download agent password

Run 'harvest <command> -h' for command-specific help.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(0)
	}

	cmd := os.Args[1]
	// Strip the program name + subcommand so flag sets see only their flags
	os.Args = os.Args[1:]

	var err error
	switch cmd {
	case "run":
		err = runDaemon()
	case "once":
		err = runOnce()
	case "status":
		err = runStatus()
	case "check":
		err = runCheck()
	case "init":
		err = runInit()
	case "events":
		err = runEvents()
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "harvest: unknown command %q\n\n", cmd)
		fmt.Print(usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "harvest %s: %v\n", cmd, err)
		os.Exit(1)
	}
}
