// Command dicomgw-migrate applies the gateway's database schema.
package main

import (
	"database/sql"
	"embed"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

var databaseURL = flag.String("database-url", "", "PostgreSQL connection URL (default: $DICOMGW_DATABASE_URL)")

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] {up|down|status|version}\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	url := *databaseURL
	if url == "" {
		url = os.Getenv("DICOMGW_DATABASE_URL")
	}
	if url == "" {
		log.Fatal("database URL required: pass --database-url or set DICOMGW_DATABASE_URL")
	}

	db, err := sql.Open("pgx", url)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("Failed to set dialect: %v", err)
	}

	switch command {
	case "up":
		err = goose.Up(db, "migrations")
	case "down":
		err = goose.Down(db, "migrations")
	case "status":
		err = goose.Status(db, "migrations")
	case "version":
		err = goose.Version(db, "migrations")
	default:
		log.Fatalf("Unknown command %q (want up, down, status, or version)", command)
	}
	if err != nil {
		log.Fatalf("Migration %s failed: %v", command, err)
	}
}
