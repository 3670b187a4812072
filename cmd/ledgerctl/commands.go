package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"walletledger/internal/config"
	"walletledger/internal/db"
	"walletledger/internal/ledger"
	"walletledger/internal/log"
	"walletledger/internal/models"
	"walletledger/internal/money"
	"walletledger/internal/services"
	"walletledger/internal/store"

	"github.com/google/subcommands"
	"github.com/jmoiron/sqlx"
)

var commands = []subcommands.Command{
	&verifyCmd{},
	&reconcileCmd{},
	&sweepCmd{},
	&openWalletCmd{},
}

// env is what every ledger command works against.
type env struct {
	db       *sqlx.DB
	protocol *ledger.Protocol
	svc      *services.Services
}

func openEnv() (*env, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := log.New(log.Config{
		Level:     log.ParseLevel(cfg.LogLevel),
		Component: log.ComponentApp,
		Format:    cfg.LogFormat,
		Output:    os.Stderr,
	})
	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	backend := store.NewBackend(database)

	var strategy ledger.Strategy = ledger.NewTransactionStrategy(db.NewTxRunner(database), store.InTx)
	if cfg.LedgerStrategy == config.StrategyCompensating {
		strategy = ledger.NewCompensatingStrategy(backend, logger)
	}
	protocol := ledger.New(strategy, ledger.Config{
		MaxAttempts: cfg.CASMaxAttempts,
		BaseBackoff: cfg.CASBaseBackoff,
		Timeout:     cfg.MutationTimeout,
		Logger:      logger,
	})
	svc := services.New(protocol, backend, services.Options{
		Logger:           logger,
		DefaultCurrency:  cfg.DefaultCurrency,
		ConflictAttempts: cfg.CASMaxAttempts,
		ConflictBackoff:  cfg.CASBaseBackoff,
		SweepConcurrency: cfg.SweepConcurrency,
	})
	return &env{db: database, protocol: protocol, svc: svc}, nil
}

func (e *env) Close() error { return e.db.Close() }

// withEnv opens the environment, runs fn and maps its error to an exit code.
func withEnv(ctx context.Context, fn func(ctx context.Context, e *env) error) subcommands.ExitStatus {
	e, err := openEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer e.Close()
	if err := fn(ctx, e); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type verifyCmd struct{}

func (*verifyCmd) Name() string     { return "verify" }
func (*verifyCmd) Synopsis() string { return "compare cached wallet balances with their ledger entries" }
func (*verifyCmd) Usage() string {
	return `ledgerctl verify

  Lists every wallet whose cached balance differs from the sum of its
  committed entries. Exits non-zero when any is found.
`
}
func (*verifyCmd) SetFlags(*flag.FlagSet) {}

func (*verifyCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withEnv(ctx, func(ctx context.Context, e *env) error {
		checks, err := e.svc.VerifyBalances(ctx)
		if err != nil {
			return err
		}
		printDiscrepancies(checks)
		if len(checks) > 0 {
			return fmt.Errorf("%d wallet(s) out of balance", len(checks))
		}
		fmt.Println("ledger consistent")
		return nil
	})
}

func printDiscrepancies(checks []models.BalanceCheck) {
	sort.Slice(checks, func(i, j int) bool { return checks[i].WalletID < checks[j].WalletID })
	for _, c := range checks {
		fmt.Printf("%s\towner=%s\tcached=%s\tledger=%s\tdiff=%s\n",
			c.WalletID, c.OwnerID,
			money.FormatMinor(c.Balance.Int64()),
			money.FormatMinor(c.LedgerSum.Int64()),
			money.FormatMinor(c.Difference.Int64()))
	}
}

type reconcileCmd struct {
	key string
}

func (*reconcileCmd) Name() string     { return "reconcile" }
func (*reconcileCmd) Synopsis() string { return "roll stuck or inconsistent mutations forward" }
func (*reconcileCmd) Usage() string {
	return `ledgerctl reconcile [-key <idempotency key>]

  Without -key every unresolved mutation older than the mutation timeout
  is rolled forward.
`
}

func (r *reconcileCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.key, "key", "", "Reconcile only the mutation with this idempotency key.")
}

func (r *reconcileCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withEnv(ctx, func(ctx context.Context, e *env) error {
		if r.key == "" {
			n, err := e.protocol.ReconcileAll(ctx)
			fmt.Printf("reconciled %d mutation(s)\n", n)
			return err
		}
		res, err := e.protocol.Reconcile(ctx, r.key)
		if err != nil {
			return err
		}
		if res.Duplicate {
			fmt.Printf("%s already committed as %s\n", r.key, res.MutationID)
			return nil
		}
		ids := make([]string, 0, len(res.Balances))
		for id := range res.Balances {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("%s\tbalance=%s\n", id, money.FormatMinor(res.Balances[id].Int64()))
		}
		return nil
	})
}

type sweepCmd struct {
	owner string
}

func (*sweepCmd) Name() string     { return "sweep" }
func (*sweepCmd) Synopsis() string { return "expire budgets whose period has ended" }
func (*sweepCmd) Usage() string {
	return `ledgerctl sweep [-owner <owner id>]
`
}

func (s *sweepCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.owner, "owner", "", "Sweep only this owner's budgets.")
}

func (s *sweepCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withEnv(ctx, func(ctx context.Context, e *env) error {
		var (
			n   int
			err error
		)
		if s.owner != "" {
			n, err = e.svc.Sweeper.SweepOwner(ctx, s.owner)
		} else {
			n, err = e.svc.Sweeper.SweepAll(ctx)
		}
		fmt.Printf("expired %d budget(s)\n", n)
		return err
	})
}

type openWalletCmd struct {
	owner    string
	name     string
	kind     string
	currency string
	initial  string
	key      string
}

func (*openWalletCmd) Name() string     { return "open-wallet" }
func (*openWalletCmd) Synopsis() string { return "create a wallet with an opening balance" }
func (*openWalletCmd) Usage() string {
	return `ledgerctl open-wallet -owner <id> -name <name> [-type cash] [-initial 12.30] [-key <idempotency key>]

  The opening balance is given in major units with at most two decimals.
`
}

func (o *openWalletCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&o.owner, "owner", "", "Owner id.")
	f.StringVar(&o.name, "name", "", "Wallet name.")
	f.StringVar(&o.kind, "type", string(models.WalletCash), "Wallet type (cash, bank, savings, credit).")
	f.StringVar(&o.currency, "currency", "", "ISO currency code; defaults to DEFAULT_CURRENCY.")
	f.StringVar(&o.initial, "initial", "0", "Opening balance, e.g. 150000.00.")
	f.StringVar(&o.key, "key", "", "Idempotency key; reruns with the same key return the same wallet.")
}

func (o *openWalletCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	initial, err := money.ParseMinor(o.initial)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -initial %q: %v\n", o.initial, err)
		return subcommands.ExitUsageError
	}
	return withEnv(ctx, func(ctx context.Context, e *env) error {
		w, err := e.svc.Wallets.CreateWallet(ctx, services.CreateWalletRequest{
			OwnerID:        o.owner,
			Name:           o.name,
			Type:           models.WalletType(o.kind),
			Currency:       o.currency,
			InitialBalance: money.New(initial),
			IdempotencyKey: o.key,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\n", w.ID, w.Name, w.Balance.Display(w.Currency))
		return nil
	})
}

type migrateCmd struct {
	down bool
}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "apply the embedded schema migrations" }
func (*migrateCmd) Usage() string {
	return `ledgerctl migrate [-down]
`
}

func (m *migrateCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.down, "down", false, "Roll every migration back instead.")
}

func (m *migrateCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg := config.Load()
	dir := store.Up
	if m.down {
		dir = store.Down
	}
	if err := store.Migrate(cfg.DatabaseURL, dir); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	fmt.Printf("migrations %s\n", dir)
	return subcommands.ExitSuccess
}
