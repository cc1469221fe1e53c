package models

// Campaign statuses.
const (
	CampaignActive = "active"
	CampaignPaused = "paused"
)

// AppStat is one entry of a campaign's weighted rotation. Weights are
// normalized to sum to 100 at create time; visits track delivered clicks.
type AppStat struct {
	AppID    int `json:"id"`
	Weight   int `json:"weight"`
	Visits   int `json:"visits"`
	StreamID int `json:"stream_id"`
}

// Campaign is an advertiser's intent: which apps to rotate, where to fall
// back, and how to decorate the offer URL.
type Campaign struct {
	ID        int
	Title     string
	UserID    int
	Subuser   string
	Geo       string
	OfferURL  string
	OS        string
	// AppIDs is scanned from a postgres INT[]; lib/pq arrays only scan
	// into int64 elements.
	AppIDs    []int64
	AppsStats []AppStat
	AppTags   []string
	LandingID int // zero when the campaign has no landing
	Status    string
	Archived  bool
	HashCode  string
	// CustomParams are merged into the offer URL query.
	CustomParams map[string]string
}

// Active reports whether the campaign may produce app redirects.
func (c *Campaign) Active() bool {
	return c != nil && c.Status == CampaignActive && !c.Archived
}

// HasApp reports whether the app belongs to the campaign's app set.
func (c *Campaign) HasApp(appID int) bool {
	for _, id := range c.AppIDs {
		if id == int64(appID) {
			return true
		}
	}
	return false
}

// StatFor returns the apps_stats entry for the given app, or nil.
func (c *Campaign) StatFor(appID int) *AppStat {
	for i := range c.AppsStats {
		if c.AppsStats[i].AppID == appID {
			return &c.AppsStats[i]
		}
	}
	return nil
}
