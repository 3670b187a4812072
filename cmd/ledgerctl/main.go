// Command ledgerctl runs operator tasks against the wallet ledger database:
// balance verification, reconciliation of stuck mutations, budget sweeps and
// schema migrations.
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")

	for _, c := range commands {
		commander.Register(c, "ledger")
	}
	commander.Register(&migrateCmd{}, "schema")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
