package models

import "github.com/shopspring/decimal"

// User roles and statuses.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"

	UserActive = "active"
	UserBanned = "banned"
)

// User is an advertiser account. Users are never physically deleted; bans
// and balance changes are the only mutations after creation.
type User struct {
	ID           int
	Username     string
	PasswordHash string
	Role         string
	Status       string
	Balance      decimal.Decimal
	HashCode     string
	APIKey       string
	// PanelKey authorises reg/dep beacons for this user's campaigns.
	PanelKey string
}
