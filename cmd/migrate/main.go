// Command migrate runs schema operations for the backend.
package main

import (
	"flag"
	"fmt"
	"log"
	"strings"

	"huddle/internal/config"
	"huddle/internal/database"

	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func usage() error {
	return fmt.Errorf("usage: go run ./cmd/migrate <up|status>")
}

func run() error {
	flag.Parse()
	if flag.NArg() < 1 {
		return usage()
	}
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	cmd := strings.ToLower(strings.TrimSpace(flag.Arg(0)))
	switch cmd {
	case "up":
		if err := database.Migrate(db); err != nil {
			return err
		}
		log.Println("automigrations applied")
	case "status":
		missing := pendingTables(db)
		log.Printf("env=%s tables=%d missing=%d", cfg.Env, len(database.PersistentModels()), len(missing))
		for _, name := range missing {
			log.Printf("missing: %s", name)
		}
	default:
		return usage()
	}
	return nil
}

func pendingTables(db *gorm.DB) []string {
	var missing []string
	for _, m := range database.PersistentModels() {
		if db.Migrator().HasTable(m) {
			continue
		}
		stmt := &gorm.Statement{DB: db}
		if err := stmt.Parse(m); err == nil {
			missing = append(missing, stmt.Schema.Table)
		} else {
			missing = append(missing, fmt.Sprintf("%T", m))
		}
	}
	return missing
}
