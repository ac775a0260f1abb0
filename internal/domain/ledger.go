package domain

import "time"

// Ledger categories.
const (
	LedgerConversationStart = "conversation_start"
	LedgerRefund            = "refund"
)

// LedgerEntry is one append-only balance movement. The sum of a user's
// entries always equals their current balance.
type LedgerEntry struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Amount       int       `json:"amount" db:"amount"`
	Category     string    `json:"category" db:"category"`
	BalanceAfter int       `json:"balance_after" db:"balance_after"`
	Reference    string    `json:"reference,omitempty" db:"reference"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
