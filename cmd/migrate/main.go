package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"shopledger.org/internal/config"
	"shopledger.org/internal/migrate"
	"shopledger.org/internal/source"
	"shopledger.org/internal/source/fixture"
	"shopledger.org/internal/source/pg"
	"shopledger.org/internal/source/sqlite"
)

func main() {
	log.SetFlags(0)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var (
		kind           = flag.String("source", cfg.Source, "Source database: postgres or sqlite")
		dsn            = flag.String("dsn", cfg.PGDSN, "PostgreSQL DSN")
		sqlitePath     = flag.String("sqlite", cfg.SQLitePath, "SQLite database file")
		migrationsPath = flag.String("migrations", "", "Optional directory with extra *.up.sql files")
		fixturePath    = flag.String("fixture", cfg.FixturePath, "YAML fixture to seed from")
	)
	flag.Parse()

	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [-source postgres|sqlite] [up|seed|status]")
	}
	dialect, err := migrate.DialectFor(*kind)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var src *source.SQL
	switch dialect.Name {
	case migrate.Postgres.Name:
		if *dsn == "" {
			log.Fatal("missing DSN: provide via -dsn or SHOPLEDGER_PG_DSN")
		}
		src, err = pg.Open(*dsn)
	case migrate.SQLite.Name:
		src, err = sqlite.Open(*sqlitePath)
	}
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer src.Close()

	mgr := migrate.NewManager(src.DB(), dialect, migrate.WithDir(*migrationsPath))

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "seed":
		var data []byte
		data, err = os.ReadFile(*fixturePath)
		if err != nil {
			break
		}
		var doc *fixture.Document
		if doc, err = fixture.Parse(data); err == nil {
			err = mgr.Seed(ctx, doc)
		}
		if err == nil {
			fmt.Printf("seeded %d shopkeepers, %d receipts\n", len(doc.Shopkeepers), len(doc.Receipts))
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
