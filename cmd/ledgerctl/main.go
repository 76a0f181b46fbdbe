package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"postrelay/internal/config"
	"postrelay/internal/database"
	"postrelay/internal/ledger"
	"postrelay/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const usage = `usage: ledgerctl [-config path] <command>

commands:
  show              print persisted quotas
  reset -account N  restore account N to a full quota
`

func main() {
	configPath := flag.String("config", "config.json", "Path to configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open ledger store: %v", err)
	}
	defer closeStore()

	switch flag.Arg(0) {
	case "show":
		if err := show(ctx, os.Stdout, store); err != nil {
			log.Fatalf("Failed to read ledger: %v", err)
		}

	case "reset":
		fs := flag.NewFlagSet("reset", flag.ExitOnError)
		account := fs.Int("account", 0, "Account id to reset")
		_ = fs.Parse(flag.Args()[1:])
		if err := reset(ctx, cfg, store, *account); err != nil {
			log.Fatalf("Failed to reset account: %v", err)
		}
		fmt.Printf("Account %d restored to a full quota\n", *account)

	default:
		flag.Usage()
		os.Exit(2)
	}
}

// openStore opens the configured ledger backend. The returned func releases it.
func openStore(ctx context.Context, cfg *models.Config) (ledger.Store, func(), error) {
	switch cfg.Ledger.Backend {
	case "", "file":
		return ledger.NewFileStore(afero.NewOsFs(), cfg.Ledger.Path), func() {}, nil

	case "sqlite":
		if _, err := os.Stat(cfg.Database.Path); os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("database file not found: %s", cfg.Database.Path)
		}
		db, err := database.New(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		return db.QuotaStore(), func() { _ = db.Close() }, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis unreachable: %w", err)
		}
		return ledger.NewRedisStore(client, cfg.Redis.KeyPrefix), func() { _ = client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

func show(ctx context.Context, out io.Writer, store ledger.Store) error {
	quotas, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if len(quotas) == 0 {
		_, err := fmt.Fprintln(out, "No persisted ledger state")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tREMAINING\tRESETS AT\tAVAILABLE")
	for _, q := range quotas {
		resetAt := "-"
		if q.WindowResetAt != nil {
			resetAt = q.WindowResetAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%t\n", q.AccountID, q.Remaining, resetAt, q.Available)
	}
	return tw.Flush()
}

func reset(ctx context.Context, cfg *models.Config, store ledger.Store, accountID int) error {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	ids := make([]int, 0, len(cfg.Accounts))
	for _, account := range cfg.Accounts {
		ids = append(ids, account.ID)
	}

	l := ledger.New(ledger.Config{
		Accounts:      ids,
		WindowCeiling: cfg.Ledger.WindowCeiling,
		Window:        time.Duration(cfg.Ledger.WindowMinutes) * time.Minute,
	}, logger, ledger.WithStore(store))
	l.Load(ctx)
	if l.Degraded() {
		return fmt.Errorf("ledger store is unreadable")
	}

	if !l.Reset(accountID) {
		return fmt.Errorf("account %d is not configured", accountID)
	}
	if l.Degraded() {
		return fmt.Errorf("failed to persist reset for account %d", accountID)
	}
	return nil
}
