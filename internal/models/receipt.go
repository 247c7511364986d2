package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ReceiptStatus is the delivery state of one message for one recipient.
// Its numeric value is the progression order and is what gets stored.
type ReceiptStatus int

// Receipt statuses in progression order.
const (
	ReceiptSent      ReceiptStatus = 1
	ReceiptDelivered ReceiptStatus = 2
	ReceiptRead      ReceiptStatus = 3
)

func (s ReceiptStatus) String() string {
	switch s {
	case ReceiptSent:
		return "SENT"
	case ReceiptDelivered:
		return "DELIVERED"
	case ReceiptRead:
		return "READ"
	default:
		return fmt.Sprintf("ReceiptStatus(%d)", int(s))
	}
}

// ParseReceiptStatus converts a status name into its value.
func ParseReceiptStatus(s string) (ReceiptStatus, error) {
	switch s {
	case "SENT":
		return ReceiptSent, nil
	case "DELIVERED":
		return ReceiptDelivered, nil
	case "READ":
		return ReceiptRead, nil
	}
	return 0, fmt.Errorf("unknown receipt status %q", s)
}

// MarshalJSON renders the status by name.
func (s ReceiptStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a status name.
func (s *ReceiptStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseReceiptStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MessageReceipt tracks one recipient's progress on one message.
type MessageReceipt struct {
	MessageID   uint          `gorm:"primaryKey;autoIncrement:false" json:"message_id"`
	UserID      uint          `gorm:"primaryKey;autoIncrement:false;index" json:"user_id"`
	Status      ReceiptStatus `gorm:"type:smallint;not null" json:"status"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`
	SeenAt      *time.Time    `json:"seen_at,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// TableName specifies the table name for GORM.
func (MessageReceipt) TableName() string {
	return "message_receipts"
}

// ReadStats aggregates receipts for one message.
type ReadStats struct {
	MessageID uint                  `json:"message_id"`
	Sent      int                   `json:"sent"`
	Delivered int                   `json:"delivered"`
	Read      int                   `json:"read"`
	Readers   []Reader              `json:"readers"`
}

// Reader is one user who has read a message.
type Reader struct {
	UserID uint       `json:"user_id"`
	SeenAt *time.Time `json:"seen_at,omitempty"`
}

// MarkReadResult is the outcome of advancing a member's read position.
type MarkReadResult struct {
	MessagesAffected int   `json:"messages_affected"`
	LastMessageID    *uint `json:"last_message_id,omitempty"`
}
