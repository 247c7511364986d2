package database

import "huddle/internal/models"

// PersistentModels returns the authoritative set of schema-managed GORM models.
func PersistentModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Conversation{},
		&models.ConversationMember{},
		&models.ChannelBan{},
		&models.ModerationAction{},
		&models.Message{},
		&models.MessageReceipt{},
		&models.UserPresence{},
		&models.Notification{},
	}
}
