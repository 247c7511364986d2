package seed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"huddle/internal/middleware"
	"huddle/internal/models"

	"gorm.io/gorm"
)

// Options configures the seeder.
type Options struct {
	Users                   int
	Groups                  int
	Channels                int
	DirectChats             int
	MembersPerGroup         int
	MessagesPerConversation int
	MaxDays                 int
	ShouldClean             bool
	DryRun                  bool
	// RandomSeed makes a run reproducible when non-zero.
	RandomSeed int64
}

// DefaultOptions returns a small populated workspace.
func DefaultOptions() Options {
	return Options{
		Users:                   20,
		Groups:                  5,
		Channels:                2,
		DirectChats:             5,
		MembersPerGroup:         5,
		MessagesPerConversation: 30,
		MaxDays:                 30,
		ShouldClean:             true,
	}
}

// Summary counts what a run created.
type Summary struct {
	Users         int
	Conversations int
	Messages      int
}

// seedTables lists every table the seeder owns, children first.
var seedTables = []string{
	"notifications", "user_presences", "message_receipts", "messages",
	"moderation_actions", "channel_bans", "conversation_members", "conversations", "users",
}

// Seed populates the database with users, conversations and message history.
func Seed(ctx context.Context, db *gorm.DB, opts Options) (Summary, error) {
	var sum Summary
	if opts.Users < 2 {
		return sum, fmt.Errorf("seed needs at least 2 users, got %d", opts.Users)
	}
	log := middleware.Logger.With(slog.Bool("dry_run", opts.DryRun))
	db = db.WithContext(ctx)

	if opts.ShouldClean && !opts.DryRun {
		if err := clearData(db); err != nil {
			return sum, fmt.Errorf("clear data: %w", err)
		}
		log.Info("existing data cleared")
	}

	f := NewFactory(db, opts)
	users := make([]*models.User, 0, opts.Users)
	for i := 0; i < opts.Users; i++ {
		u, err := f.CreateUser()
		if err != nil {
			return sum, err
		}
		users = append(users, u)
	}
	sum.Users = len(users)

	type room struct {
		conv    *models.Conversation
		members []*models.User
	}
	var rooms []room
	build := func(typ models.ConversationType, count, size int) error {
		for i := 0; i < count; i++ {
			picked := f.pick(users, size)
			conv, err := f.CreateConversation(typ, picked[0], picked[1:])
			if err != nil {
				return err
			}
			rooms = append(rooms, room{conv: conv, members: picked})
		}
		return nil
	}
	groupSize := opts.MembersPerGroup
	if groupSize < 2 {
		groupSize = 2
	}
	if err := build(models.ConversationDirect, opts.DirectChats, 2); err != nil {
		return sum, err
	}
	if err := build(models.ConversationGroup, opts.Groups, groupSize); err != nil {
		return sum, err
	}
	if err := build(models.ConversationChannel, opts.Channels, groupSize*2); err != nil {
		return sum, err
	}
	sum.Conversations = len(rooms)

	for _, r := range rooms {
		ids := make([]uint, len(r.members))
		for i, m := range r.members {
			ids[i] = m.ID
		}
		times := make([]time.Time, opts.MessagesPerConversation)
		for i := range times {
			times[i] = f.pastTime()
		}
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		for _, at := range times {
			sender := r.members[f.rng.Intn(len(r.members))]
			if _, err := f.CreateMessage(r.conv, sender, ids, at); err != nil {
				return sum, err
			}
			sum.Messages++
		}
	}

	log.Info("seeding completed",
		slog.Int("users", sum.Users),
		slog.Int("conversations", sum.Conversations),
		slog.Int("messages", sum.Messages),
	)
	return sum, nil
}

// pick returns n distinct users in random order, capped at len(users).
func (f *Factory) pick(users []*models.User, n int) []*models.User {
	if n > len(users) {
		n = len(users)
	}
	perm := f.rng.Perm(len(users))[:n]
	out := make([]*models.User, n)
	for i, idx := range perm {
		out[i] = users[idx]
	}
	return out
}

func clearData(db *gorm.DB) error {
	if db.Dialector.Name() == "postgres" {
		sql := "TRUNCATE TABLE "
		for i, t := range seedTables {
			if i > 0 {
				sql += ", "
			}
			sql += t
		}
		return db.Exec(sql + " RESTART IDENTITY CASCADE").Error
	}
	for _, t := range seedTables {
		if err := db.Exec("DELETE FROM " + t).Error; err != nil {
			return err
		}
	}
	return nil
}
