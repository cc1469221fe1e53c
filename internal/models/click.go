package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Click sources derived from ad-network correlation ids.
const (
	SourceFacebook = "facebook"
	SourceGoogle   = "google"
	SourceTikTok   = "tiktok"
	SourceNone     = "none"
)

// Terminal results of a dispatched click.
const (
	ResultApp       = "app"
	ResultOffer     = "offer"
	ResultLanding   = "landing"
	ResultEmergency = "emergency"
)

// Beacon event kinds. Entry/rereg/redep are the rewritten forms of a
// duplicate install/reg/dep and never charge.
const (
	EventInstall = "install"
	EventReg     = "reg"
	EventDep     = "dep"
	EventEntry   = "entry"
	EventRereg   = "rereg"
	EventRedep   = "redep"
)

// CampaignClick is the central event record: one row per dispatched click,
// later correlated by app beacons through ClickID.
type CampaignClick struct {
	ID      int64
	ClickID string // 10-char hex, unique across all history
	Domain  string

	FBCLID      string
	GCLID       string
	TTCLID      string
	ClickSource string

	RMA    string
	ULB    int
	Pay    int
	CLabel string // Google conversion label, passed through from the ad
	GTag   string // Google tag id

	KCLID  string // classifier-side click id
	Params map[string]string

	CampaignID int
	AppID      int // zero until an app is selected

	AppInstalled  bool
	AppRegistered bool
	AppDeposited  bool
	AppCLID       string // correlation id from the app SDK

	IP        string
	UserAgent string
	Referer   string
	CreatedAt time.Time

	Blocked  bool
	Geo      string
	City     string
	Device   string
	TimeZone string
	Lat      float64
	Lon      float64

	OfferURL       string
	Result         string
	DepositAmount  decimal.Decimal
	IdempotencyKey string
}

// SubstitutePanelCLID returns the app URL with the PANELCLID placeholder
// replaced by this click's id. The URL is otherwise left untouched.
func (c *CampaignClick) SubstitutePanelCLID(appURL string) string {
	return strings.ReplaceAll(appURL, PanelCLIDPlaceholder, c.ClickID)
}

// EventFlag reports whether the given event kind has already been processed
// for this click.
func (c *CampaignClick) EventFlag(event string) bool {
	switch event {
	case EventInstall:
		return c.AppInstalled
	case EventReg:
		return c.AppRegistered
	case EventDep:
		return c.AppDeposited
	}
	return false
}
