package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/hangarhq/hangar/pkg/idp"
)

var (
	dbDriver = flag.String("db-driver", getEnv("HANGAR_DB_DRIVER", "postgres"), "Database driver (postgres or sqlite3)")
	dbURL    = flag.String("db-url", getEnv("HANGAR_DB_URL", ""), "Database connection URL")
	verbose  = flag.Bool("verbose", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	if *dbURL == "" {
		log.Fatal("database URL is required (--db-url or HANGAR_DB_URL)")
	}

	db, err := sql.Open(*dbDriver, *dbURL)
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}

	store := idp.NewSQLStore(db)

	switch flag.Arg(0) {
	case "migrate":
		if err := store.Migrate(ctx); err != nil {
			log.WithError(err).Fatal("Migration failed")
		}
		log.Info("Identity provider tables migrated")
	case "list":
		listProviders(ctx, log, store)
	case "validate":
		validateProviders(ctx, log, store)
	case "seed":
		if flag.NArg() < 2 {
			log.Fatal("seed requires a JSON file argument")
		}
		seedProviders(ctx, log, store, flag.Arg(1))
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: hangar-admin [flags] <command>

Commands:
  migrate            Create identity provider tables
  list               List configured identity providers
  validate           Check provider configurations for registration errors
  seed <file.json>   Load identity providers from a JSON file`)
	flag.PrintDefaults()
}

func listProviders(ctx context.Context, log *logrus.Logger, store *idp.SQLStore) {
	providers, err := store.ListIdentityProviders(ctx)
	if err != nil {
		log.WithError(err).Fatal("Failed to list identity providers")
	}

	for _, p := range providers {
		log.WithFields(logrus.Fields{
			"id":       p.ID,
			"home_url": p.HomeURL,
			"issuer":   p.OIDC.IssuerURL,
			"partners": p.PartnerIDs(),
		}).Info("Identity provider")
	}
	log.Infof("%d identity providers configured", len(providers))
}

func validateProviders(ctx context.Context, log *logrus.Logger, store *idp.SQLStore) {
	providers, err := store.ListIdentityProviders(ctx)
	if err != nil {
		log.WithError(err).Fatal("Failed to list identity providers")
	}

	invalid := 0
	for _, p := range providers {
		entry := log.WithField("id", p.ID)
		switch {
		case p.OIDC.IssuerURL == "" || p.OIDC.ClientID == "":
			entry.Error("Missing issuer URL or client id")
			invalid++
		case p.OIDC.UserIDClaim == "" || p.OIDC.TenantCodeClaim == "":
			entry.Error("Missing user id or tenant code claim paths")
			invalid++
		case len(p.Partners) == 0:
			entry.Error("No partners attached")
			invalid++
		case len(p.Partners) > 1 && p.OIDC.PartnerClaim == "":
			entry.WithField("partners", p.PartnerIDs()).
				Error("Multiple partners but no partner claim, logins will be disabled")
			invalid++
		default:
			entry.Debug("Configuration valid")
		}
	}

	if invalid > 0 {
		log.Fatalf("%d of %d identity providers misconfigured", invalid, len(providers))
	}
	log.Infof("All %d identity providers valid", len(providers))
}

func seedProviders(ctx context.Context, log *logrus.Logger, store *idp.SQLStore, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.WithError(err).Fatal("Failed to read seed file")
	}

	var providers []*idp.IdentityProvider
	if err := json.Unmarshal(data, &providers); err != nil {
		log.WithError(err).Fatal("Failed to parse seed file")
	}

	for _, p := range providers {
		if err := store.CreateIdentityProvider(ctx, p); err != nil {
			log.WithError(err).WithField("id", p.ID).Fatal("Failed to create identity provider")
		}
		log.WithField("id", p.ID).Info("Created identity provider")
	}
	log.Infof("Seeded %d identity providers", len(providers))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
