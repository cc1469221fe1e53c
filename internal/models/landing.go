package models

// Landing statuses.
const (
	LandingActive   = "active"
	LandingInactive = "inactive"
)

// Landing is a pre-rendered HTML page served when the classifier blocks a
// click. WorkingDir names the directory under templates/ holding its assets.
type Landing struct {
	ID         int
	WorkingDir string
	Status     string
	Geo        string
	Tags       []string
}

// Active reports whether the landing may be served.
func (l *Landing) Active() bool {
	return l != nil && l.Status == LandingActive
}

// Domain is an owned hostname bound to a user. Its lifecycle (registrar,
// DNS) is managed elsewhere; the gateway only records the origin host.
type Domain struct {
	ID     int
	Domain string
	UserID int
	Status string
}
