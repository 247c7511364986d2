// Command seed populates the database with demo users, conversations and history.
package main

import (
	"context"
	"flag"
	"log"

	"huddle/internal/config"
	"huddle/internal/database"
	"huddle/internal/seed"

	"github.com/joho/godotenv"
)

func main() {
	opts := seed.DefaultOptions()
	flag.IntVar(&opts.Users, "users", opts.Users, "Number of users to create")
	flag.IntVar(&opts.Groups, "groups", opts.Groups, "Number of group conversations")
	flag.IntVar(&opts.Channels, "channels", opts.Channels, "Number of channels")
	flag.IntVar(&opts.DirectChats, "direct", opts.DirectChats, "Number of direct conversations")
	flag.IntVar(&opts.MembersPerGroup, "members", opts.MembersPerGroup, "Members per group; channels get twice as many")
	flag.IntVar(&opts.MessagesPerConversation, "messages", opts.MessagesPerConversation, "Messages per conversation")
	flag.IntVar(&opts.MaxDays, "days", opts.MaxDays, "Spread message history over this many days")
	flag.BoolVar(&opts.ShouldClean, "clean", opts.ShouldClean, "Clean database before seeding")
	flag.BoolVar(&opts.DryRun, "dry-run", false, "Generate without writing to the database")
	flag.Int64Var(&opts.RandomSeed, "seed", 0, "Random seed for a reproducible run")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.IsProduction() {
		log.Fatal("Refusing to seed a production database")
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	sum, err := seed.Seed(context.Background(), db, opts)
	if err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
	log.Printf("Created %d users, %d conversations, %d messages", sum.Users, sum.Conversations, sum.Messages)
}
