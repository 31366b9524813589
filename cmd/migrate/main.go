package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"loomchat.org/internal/migrate"
	"loomchat.org/internal/obs"
)

func main() {
	log.SetFlags(0)
	var (
		dsn     = flag.String("dsn", os.Getenv("LOOM_PG_DSN"), "PostgreSQL DSN")
		dir     = flag.String("dir", "ops/migrations", "migrations root holding sql/ and seeds/")
		timeout = flag.Duration("timeout", 30*time.Second, "overall command timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or LOOM_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	runner := migrate.NewRunner(db,
		filepath.Join(*dir, "sql"),
		filepath.Join(*dir, "seeds"),
	)

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		applied, err := runner.Up(ctx)
		report(cmd, applied, err)
	case "seed":
		applied, err := runner.Seed(ctx)
		report(cmd, applied, err)
	case "down":
		name, err := runner.Down(ctx)
		if err != nil {
			log.Fatalf("migrate down: %v", err)
		}
		obs.LogRequest(map[string]any{"type": "migrate", "event": "rolled_back", "file": name})
	case "status":
		history, err := runner.History(ctx)
		if err != nil {
			log.Fatalf("migrate status: %v", err)
		}
		for _, item := range history {
			obs.LogRequest(map[string]any{
				"type":       "migrate",
				"kind":       item.Kind,
				"file":       item.Name,
				"applied_at": item.AppliedAt,
			})
		}
	default:
		log.Fatalf("unknown command %q", cmd)
	}
}

// report logs the files applied by up/seed, including partial progress when
// a later file failed.
func report(cmd string, applied []string, err error) {
	for _, name := range applied {
		obs.LogRequest(map[string]any{"type": "migrate", "event": "applied", "file": name})
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", cmd, err)
	}
	if len(applied) == 0 {
		obs.LogRequest(map[string]any{"type": "migrate", "event": "up_to_date", "command": cmd})
	}
}
