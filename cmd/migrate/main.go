package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/ignite/squeeze/internal/repository/postgres"
	_ "github.com/lib/pq"
)

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	listOnly := len(os.Args) > 1 && os.Args[1] == "--list"

	migrations, err := postgres.Migrations()
	if err != nil {
		log.Fatalf("load migrations: %v", err)
	}
	if listOnly {
		for _, m := range migrations {
			fmt.Println(" ", m.Name)
		}
		fmt.Printf("Total: %d migrations\n", len(migrations))
		return
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("ping: %v", err)
	}
	log.Println("Connected to database")

	applied, err := postgres.Migrate(ctx, db, migrations)
	for _, name := range applied {
		fmt.Printf("  %s ... OK\n", name)
	}
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Printf("Done: %d applied, %d already present", len(applied), len(migrations)-len(applied))
}
