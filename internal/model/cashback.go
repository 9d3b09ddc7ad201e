package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of decimals kept by the decimal(20,6) amount
// columns below.
const AmountScale = 6

// Cashback is the reward granted for a single transaction
type Cashback struct {
	ID                   uint            `gorm:"primarykey" json:"id"`
	CreatedAt            time.Time       `json:"created_at"`
	BankAccountID        string          `gorm:"index:idx_cashback_bank_account;size:64;not null" json:"bank_account_id"`
	TransactionAmount    decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"transaction_amount"`
	AmountReturned       decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"amount_returned"`
	TransactionID        int64           `gorm:"uniqueIndex:idx_cashback_transaction_id;not null" json:"transaction_id"`
	MerchantID           string          `gorm:"size:64;not null" json:"merchant_id"`
	NetworkTransactionID string          `gorm:"size:128" json:"network_transaction_id"`
}

// TableName specifies the table name
func (Cashback) TableName() string {
	return "cashbacks"
}

// Transaction is a card payment handed over for cashback evaluation
type Transaction struct {
	ID                   int64           `json:"id" validate:"required,gt=0"`
	BankAccountID        string          `json:"bank_account_id" validate:"required"`
	MID                  string          `json:"mid" validate:"required"`
	Amount               decimal.Decimal `json:"amount"`
	NetworkTransactionID string          `json:"network_transaction_id"`
}

// BalanceMessage instructs the ledger to credit (positive amount) or debit
// (negative amount) a bank account.
type BalanceMessage struct {
	EventID       string          `json:"event_id"`
	BankAccountID string          `json:"bank_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID int64           `json:"transaction_id"`
	Republished   bool            `json:"republished"`
}
