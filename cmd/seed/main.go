// Command seed loads farm fixtures into PostgreSQL and can mint development
// bearer tokens for the seeded users.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"farmops.io/bulkops/internal/api/middleware"
	"farmops.io/bulkops/internal/config"
	"farmops.io/bulkops/internal/entity"
	"farmops.io/bulkops/internal/fixtures"
	"farmops.io/bulkops/internal/infrastructure"
	"farmops.io/bulkops/internal/permission"
	"farmops.io/bulkops/internal/pkg/logger"
)

type options struct {
	fixturesFile string
	tokens       bool
	tokenTTL     time.Duration
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var o options
	fs.StringVar(&o.fixturesFile, "fixtures", "config/fixtures.example.yaml", "fixtures YAML file")
	fs.BoolVar(&o.tokens, "tokens", false, "print a bearer token for every seeded user")
	fs.DurationVar(&o.tokenTTL, "token-ttl", 24*time.Hour, "lifetime of minted tokens")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.fixturesFile == "" {
		return options{}, fmt.Errorf("-fixtures must not be empty")
	}
	if o.tokenTTL <= 0 {
		return options{}, fmt.Errorf("-token-ttl must be positive")
	}
	return o, nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "seed error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	f, err := fixtures.Load(opts.fixturesFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	// Seeding is idempotent, so migrating first is always safe.
	if err := db.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	sum, err := fixtures.Apply(ctx, f, fixtures.PostgresSink{
		Entities: entity.NewPostgres(db.Pool),
		Perms:    permission.NewPostgres(db.Pool),
	})
	if err != nil {
		return fmt.Errorf("apply fixtures: %w", err)
	}
	logger.Info("Fixtures seeded",
		zap.String("file", opts.fixturesFile),
		zap.Int("farms", sum.Farms),
		zap.Int("members", sum.Members),
		zap.Int("animals", sum.Animals),
		zap.Int("health_records", sum.HealthRecords),
	)

	if !opts.tokens {
		return nil
	}
	return writeTokens(out, middleware.JWTConfig{
		SigningKey: []byte(cfg.Security.SessionSecret),
		Issuer:     cfg.Security.TokenIssuer,
		ExpiresIn:  opts.tokenTTL,
	}, f.Users())
}

// writeTokens prints one "user<TAB>token" line per user.
func writeTokens(out io.Writer, jwtCfg middleware.JWTConfig, users []string) error {
	for _, u := range users {
		token, _, err := middleware.GenerateToken(jwtCfg, u, u)
		if err != nil {
			return fmt.Errorf("token for %s: %w", u, err)
		}
		if _, err := fmt.Fprintf(out, "%s\t%s\n", u, token); err != nil {
			return err
		}
	}
	return nil
}
