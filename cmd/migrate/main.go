// Command migrate manages the rules service database schema.
//
// Usage:
//
//	migrate [-database URL] [-path DIR] <up|down|version|force N>
//
// The database URL falls back to DATABASE_URL when the flag is unset.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	var databaseURL string
	var migrationsPath string

	flag.StringVar(&databaseURL, "database", "", "Database URL (defaults to DATABASE_URL)")
	flag.StringVar(&migrationsPath, "path", "migrations", "Path to migrations directory")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		log.Fatal("rules-migrate: database URL is required (-database flag or DATABASE_URL)")
	}
	if flag.NArg() < 1 {
		log.Fatal("rules-migrate: command is required: up, down, version, force <N>")
	}

	m, err := migrate.New("file://"+migrationsPath, databaseURL)
	if err != nil {
		log.Fatalf("rules-migrate: failed to open migration source: %v", err)
	}
	defer m.Close()

	if err := run(m, flag.Args()); err != nil {
		log.Fatalf("rules-migrate: %v", err)
	}
}

func run(m *migrate.Migrate, args []string) error {
	switch cmd := args[0]; cmd {
	case "up":
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				log.Println("schema already up to date")
				return nil
			}
			return fmt.Errorf("up failed: %w", err)
		}
		log.Println("schema migrated up")
		return nil

	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("down failed: %w", err)
		}
		log.Println("schema migrated down")
		return nil

	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			return fmt.Errorf("version failed: %w", err)
		}
		log.Printf("schema version %d (dirty: %v)", version, dirty)
		return nil

	case "force":
		if len(args) < 2 {
			return fmt.Errorf("force requires a version number")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		if err := m.Force(version); err != nil {
			return fmt.Errorf("force failed: %w", err)
		}
		log.Printf("schema version forced to %d", version)
		return nil

	default:
		return fmt.Errorf("unknown command %q (use up, down, version, force)", cmd)
	}
}
