// Command migrate manages the walletd database schema.
//
// It drives the goose migrations in migrations/ against DATABASE_URL,
// honoring a .env file in the working directory the same way the server
// does.
//
// Usage:
//
//	migrate up                # apply all pending migrations
//	migrate status            # show migration status
//	migrate down              # roll back the last migration
//	migrate up-to <version>   # migrate up to a specific version
//	migrate down-to <version> # roll back to a specific version
//	migrate version           # print the current schema version
//	migrate redo              # roll back and re-apply the last migration
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding the migration files")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	_ = godotenv.Load()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("connect to database: %v", err)
	}

	cmd := flag.Arg(0)
	if err := goose.RunContext(context.Background(), cmd, db, *dir, flag.Args()[1:]...); err != nil {
		log.Fatalf("migrate %s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [-dir migrations] <command> [args]")
	fmt.Fprintln(os.Stderr, "Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
}
