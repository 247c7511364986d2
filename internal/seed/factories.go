// Package seed provides helpers to create demo data for the application
// database. These helpers are intended for development and testing only.
package seed

import (
	"fmt"
	"math/rand"
	"time"

	"huddle/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/gorm"
)

// Factory builds domain entities and persists them to the database.
// It is a thin helper used by Seed and by tests.
type Factory struct {
	db   *gorm.DB
	opts Options
	rng  *rand.Rand
	// synthetic ID counter when running in DryRun mode
	nextID uint
}

// NewFactory creates a new Factory bound to the provided Gorm DB.
func NewFactory(db *gorm.DB, opts Options) *Factory {
	seed := opts.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	gofakeit.Seed(seed)
	return &Factory{db: db, opts: opts, rng: rand.New(rand.NewSource(seed)), nextID: 1000}
}

func (f *Factory) persist(value any, id *uint) error {
	if f.opts.DryRun {
		f.nextID++
		*id = f.nextID
		return nil
	}
	return f.db.Create(value).Error
}

// CreateUser constructs and persists a user with a unique handle.
func (f *Factory) CreateUser(overrides ...func(*models.User)) (*models.User, error) {
	user := &models.User{
		Username:    fmt.Sprintf("%s%d", gofakeit.Username(), gofakeit.Number(1000, 9999)),
		DisplayName: gofakeit.Name(),
	}
	for _, override := range overrides {
		override(user)
	}
	if err := f.persist(user, &user.ID); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// CreateConversation persists a conversation owned by owner and adds members
// with the MEMBER role. Direct conversations take exactly one other member.
func (f *Factory) CreateConversation(typ models.ConversationType, owner *models.User, members []*models.User) (*models.Conversation, error) {
	if typ == models.ConversationDirect && len(members) != 1 {
		return nil, fmt.Errorf("direct conversation needs exactly one peer, got %d", len(members))
	}
	conv := &models.Conversation{Type: typ, CreatedBy: owner.ID}
	switch typ {
	case models.ConversationDirect:
		conv.Name = owner.Username + " & " + members[0].Username
	case models.ConversationChannel:
		conv.Name = "#" + gofakeit.HackerNoun()
	default:
		conv.Name = gofakeit.AppName()
	}
	if err := f.persist(conv, &conv.ID); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	ownerRole := models.RoleOwner
	peerRole := models.RoleMember
	if typ == models.ConversationDirect {
		peerRole = models.RoleOwner
	}
	if err := f.AddMember(conv, owner, ownerRole); err != nil {
		return nil, err
	}
	for _, m := range members {
		if err := f.AddMember(conv, m, peerRole); err != nil {
			return nil, err
		}
	}
	return conv, nil
}

// AddMember adds user to conv with role.
func (f *Factory) AddMember(conv *models.Conversation, user *models.User, role models.MemberRole) error {
	if f.opts.DryRun {
		return nil
	}
	member := &models.ConversationMember{
		ConversationID: conv.ID,
		UserID:         user.ID,
		Role:           role,
		JoinedAt:       conv.CreatedAt,
	}
	if member.JoinedAt.IsZero() {
		member.JoinedAt = time.Now().UTC()
	}
	if err := f.db.Create(member).Error; err != nil {
		return fmt.Errorf("add member %d to conversation %d: %w", user.ID, conv.ID, err)
	}
	return nil
}

// CreateMessage persists a message from sender with a SENT receipt for every
// other recipient, the same rows a live send produces.
func (f *Factory) CreateMessage(conv *models.Conversation, sender *models.User, recipients []uint, at time.Time) (*models.Message, error) {
	msg := &models.Message{
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		Content:        gofakeit.Sentence(f.rng.Intn(12) + 3),
		MessageType:    "text",
		CreatedAt:      at.UTC(),
	}
	if f.opts.DryRun {
		f.nextID++
		msg.ID = f.nextID
		return msg, nil
	}
	err := f.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		receipts := make([]models.MessageReceipt, 0, len(recipients))
		for _, uid := range recipients {
			if uid == sender.ID {
				continue
			}
			receipts = append(receipts, models.MessageReceipt{MessageID: msg.ID, UserID: uid, Status: models.ReceiptSent})
		}
		if len(receipts) == 0 {
			return nil
		}
		return tx.Create(&receipts).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return msg, nil
}

// pastTime returns a moment within the last MaxDays days.
func (f *Factory) pastTime() time.Time {
	maxDays := f.opts.MaxDays
	if maxDays <= 0 {
		maxDays = 30
	}
	back := time.Duration(f.rng.Intn(maxDays*24*60)) * time.Minute
	return time.Now().Add(-back)
}
