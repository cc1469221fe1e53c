package models

// App statuses. Only active apps are eligible for redirects.
const (
	AppActive    = "active"
	AppInactive  = "inactive"
	AppSuspended = "suspended"
	AppBanned    = "banned"
	AppDeleted   = "deleted"
)

// Operating systems recognised by the gateway.
const (
	OSAndroid = "android"
	OSIOS     = "ios"
)

// PanelCLIDPlaceholder is the literal substring in an App URL that gets
// replaced with the click id before redirect. External contract: configured
// App URLs must contain it, and no other rewriting of the URL is permitted.
const PanelCLIDPlaceholder = "PANELCLID"

// App is an install destination.
type App struct {
	ID    int
	Title string
	// URL contains the PANELCLID placeholder.
	URL            string
	OS             string
	Tags           []string
	Status         string
	StreamID       int // classifier-side stream used for uniqueness checks
	Views          int
	Installs       int
	Registrations  int
	Deposits       int
	// AllowedUserIDs is scanned from a postgres INT[]; lib/pq arrays only
	// scan into int64 elements.
	AllowedUserIDs []int64
	HashCode       string
}

// Active reports whether the app may receive redirects.
func (a *App) Active() bool {
	return a != nil && a.Status == AppActive
}

// AllowsUser reports whether the given user may route traffic to this app.
func (a *App) AllowsUser(userID int) bool {
	for _, id := range a.AllowedUserIDs {
		if id == int64(userID) {
			return true
		}
	}
	return false
}

// HasTag reports whether the app carries the given tag.
func (a *App) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
