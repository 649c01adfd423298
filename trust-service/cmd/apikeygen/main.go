package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/cpass-platform/platform/trust-service/internal/audit"
	"github.com/cpass-platform/platform/trust-service/internal/config"
	"github.com/cpass-platform/platform/trust-service/internal/credential"
	"github.com/cpass-platform/platform/trust-service/internal/logger"
	"github.com/cpass-platform/platform/trust-service/internal/service"
	"github.com/cpass-platform/platform/trust-service/internal/store"
)

func main() {
	force := flag.Bool("force", false, "replace an existing active key")
	revoke := flag.Bool("revoke", false, "revoke the institution's key instead of issuing one")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: apikeygen [-force|-revoke] <institution_code>\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	code := flag.Arg(0)

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		os.Exit(1)
	}
	// Keep stdout for the key itself.
	logger.New(os.Stderr, cfg.Env, cfg.LogLevel)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "db open: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	svc := service.NewCredentialService(
		store.NewPGStore(db),
		nil,
		credential.NewKeyManager(cfg.APIKeyScheme),
		nil,
		audit.NewStoreRecorder(audit.NewPGStore(db)),
		nil,
		service.CredentialConfig{},
	)

	if *revoke {
		inst, err := svc.RevokeAPIKey(ctx, code, "apikeygen")
		if err != nil {
			fmt.Fprintf(os.Stderr, "revoke %s: %v\n", code, err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "API key for %s (%s) revoked\n", inst.Code, inst.Name)
		return
	}

	raw, inst, err := svc.RotateAPIKey(ctx, code, "apikeygen", *force)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate key for %s: %v\n", code, err)
		if !*force {
			fmt.Fprintln(os.Stderr, "use -force to replace an active key")
		}
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "API key for %s (%s). It is shown only once:\n", inst.Code, inst.Name)
	fmt.Println(raw)
}
