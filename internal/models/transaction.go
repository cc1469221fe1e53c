package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction signs.
const (
	SignDebit  = "-"
	SignCredit = "+"
)

// Transaction is an immutable ledger entry. One row is written for every
// balance mutation; conversions debit atomically with their flag flip.
type Transaction struct {
	ID        int64
	UserID    int
	Sign      string
	Amount    decimal.Decimal
	Reason    string
	Geo       string
	AppID     int
	OS        string
	CreatedAt time.Time
}
