package storage

import "time"

// User is an account. Username is unique; Password holds a bcrypt hash.
type User struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Username  string    `gorm:"size:64;not null;uniqueIndex:unique_username" json:"username"`
	Password  string    `gorm:"size:72;not null" json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Transaction is one income or expense record of a user.
type Transaction struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    uint64    `gorm:"not null;index:idx_transactions_owner_type,priority:1" json:"user_id"`
	Type      string    `gorm:"size:32;not null;index:idx_transactions_owner_type,priority:2" json:"type"`
	Category  string    `gorm:"size:64" json:"category"`
	Amount    float64   `gorm:"type:decimal(12,2);not null" json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// ProcessedRequest is a ledger row: the response a worker sent for a
// correlation id.
type ProcessedRequest struct {
	CorrelationID string `gorm:"primaryKey;size:64"`
	Queue         string `gorm:"size:128;not null"`
	Response      []byte `gorm:"not null"`
	CreatedAt     time.Time
}

func models() []any {
	return []any{&User{}, &Transaction{}, &ProcessedRequest{}}
}
