package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"orchid.org/internal/app"
	"orchid.org/internal/auth"
	"orchid.org/internal/config"
	"orchid.org/internal/migrate"
)

func main() {
	log.SetFlags(0)
	table := flag.String("table", "", "Migrations bookkeeping table (default schema_migrations)")
	flag.Parse()

	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	sc, err := config.LoadStore()
	if err != nil {
		log.Fatal(err)
	}
	dialect, ok := app.MigrationDialect(sc.Driver)
	if !ok {
		log.Fatalf("store driver %q has no migrations; set ORCHID_STORE_DRIVER to postgres or sqlite", sc.Driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := app.OpenStores(ctx, sc)
	if err != nil {
		log.Fatalf("open stores: %v", err)
	}
	defer st.Close()

	mgr, err := migrate.NewManager(st.SQL.DB(), dialect, migrate.WithMigrationsTable(*table))
	if err != nil {
		log.Fatalf("migrations: %v", err)
	}

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = seed(ctx, st)
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

func seed(ctx context.Context, st *app.Stores) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	svc, err := app.NewService(cfg, st, nil)
	if err != nil {
		return err
	}
	n, err := svc.Seed(ctx, auth.DemoAccounts, cfg.SeedPassword)
	if err != nil {
		return err
	}
	fmt.Printf("seeded %d accounts\n", n)
	return nil
}
