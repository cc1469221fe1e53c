package selector

import (
	"context"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/trafficlab/clickgate/internal/classifier"
	"github.com/trafficlab/clickgate/internal/models"
	"github.com/trafficlab/clickgate/internal/observability"
)

// Store is the narrow slice of persistence the selector reads from. Reads go
// through the pool, not the request transaction, so selection can run
// concurrently with the dispatcher.
type Store interface {
	AppByID(ctx context.Context, id int) (*models.App, error)
	AppsByIDs(ctx context.Context, ids []int) ([]*models.App, error)
	ActiveAppsByTag(ctx context.Context, tag, os string) ([]*models.App, error)
	ActiveAppsByOS(ctx context.Context, os string) ([]*models.App, error)
}

// Selector picks the destination app for a click. Order: PSA override,
// weighted balancing over apps_stats, tag fallback, reserve by OS.
type Selector struct {
	store      Store
	classifier classifier.Classifier
	logger     *zap.Logger
	metrics    observability.MetricsRegistry
}

// New constructs a Selector.
func New(store Store, cls classifier.Classifier, logger *zap.Logger, metrics observability.MetricsRegistry) *Selector {
	return &Selector{store: store, classifier: cls, logger: logger, metrics: metrics}
}

// SelectRelevantApp returns the app the click should land on, or nil when no
// candidate survives filtering. A nil return is not an error: the dispatcher
// falls back to the offer URL.
func (s *Selector) SelectRelevantApp(ctx context.Context, campaign *models.Campaign, sig classifier.Signals, psa, psaType string) (*models.App, error) {
	log := s.logger.With(zap.Int("campaign_id", campaign.ID))

	if psa != "" {
		app, err := s.selectPreselected(ctx, campaign, sig, psa, psaType)
		if err != nil {
			return nil, err
		}
		if app != nil {
			s.metrics.IncrementAppSelection("psa")
			return app, nil
		}
	}

	if len(campaign.AppsStats) > 0 {
		app, err := s.selectByWeight(ctx, campaign, sig)
		if err != nil {
			return nil, err
		}
		if app != nil {
			log.Debug("selected app by weight", zap.Int("app_id", app.ID))
			s.metrics.IncrementAppSelection("weight")
			return app, nil
		}
	}

	if len(campaign.AppTags) > 0 {
		app, err := s.selectByTags(ctx, campaign, sig, campaign.AppTags)
		if err != nil {
			return nil, err
		}
		if app != nil {
			log.Debug("selected app by tag", zap.Int("app_id", app.ID))
			s.metrics.IncrementAppSelection("tag")
			return app, nil
		}
	}

	return s.SelectReserveApp(ctx, campaign, sig, campaign.OS)
}

// SelectReserveApp picks any active unique app matching the given OS, skipping
// the campaign's own members. Reached when the rotation and tag paths are
// exhausted, and directly by the dispatcher when the campaign OS does not
// match the visitor's device.
func (s *Selector) SelectReserveApp(ctx context.Context, campaign *models.Campaign, sig classifier.Signals, deviceOS string) (*models.App, error) {
	apps, err := s.store.ActiveAppsByOS(ctx, deviceOS)
	if err != nil {
		return nil, err
	}
	for _, app := range apps {
		if campaign.HasApp(app.ID) {
			continue
		}
		if s.classifier.CheckUniqueAppUser(ctx, app.StreamID, sig) {
			s.metrics.IncrementAppSelection("reserve")
			return app, nil
		}
	}
	s.metrics.IncrementAppSelection("none")
	return nil, nil
}

// selectPreselected honors the psa hint: a numeric hint is a direct app id,
// anything else is treated as a tag.
func (s *Selector) selectPreselected(ctx context.Context, campaign *models.Campaign, sig classifier.Signals, psa, psaType string) (*models.App, error) {
	if psaType == "app" {
		id, err := strconv.Atoi(psa)
		if err != nil {
			return nil, nil
		}
		app, err := s.store.AppByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if app == nil || !app.Active() {
			return nil, nil
		}
		return app, nil
	}
	return s.selectByTags(ctx, campaign, sig, []string{psa})
}

// selectByWeight balances over apps_stats. Candidates are active, on the
// campaign's OS, and allow the campaign owner. They are walked in ascending
// visit order; a candidate whose visit share exceeds its weight share is
// skipped, as is any the classifier has seen before on that stream.
func (s *Selector) selectByWeight(ctx context.Context, campaign *models.Campaign, sig classifier.Signals) (*models.App, error) {
	ids := make([]int, 0, len(campaign.AppsStats))
	for _, st := range campaign.AppsStats {
		if st.Weight > 0 {
			ids = append(ids, st.AppID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	apps, err := s.store.AppsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int]*models.App, len(apps))
	for _, app := range apps {
		if app.Active() && app.OS == campaign.OS && app.AllowsUser(campaign.UserID) {
			byID[app.ID] = app
		}
	}

	candidates := make([]models.AppStat, 0, len(campaign.AppsStats))
	totalVisits, totalWeight := 0, 0
	for _, st := range campaign.AppsStats {
		if _, ok := byID[st.AppID]; !ok || st.Weight <= 0 {
			continue
		}
		candidates = append(candidates, st)
		totalVisits += st.Visits
		totalWeight += st.Weight
	}
	if len(candidates) == 0 || totalWeight == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Visits < candidates[j].Visits
	})

	// A fresh rotation has no visit history to balance on: take the first.
	if totalVisits == 0 {
		return byID[candidates[0].AppID], nil
	}

	for _, st := range candidates {
		overvisited := float64(st.Visits)/float64(totalVisits) > float64(st.Weight)/float64(totalWeight)
		if overvisited {
			continue
		}
		if !s.classifier.CheckUniqueAppUser(ctx, st.StreamID, sig) {
			continue
		}
		return byID[st.AppID], nil
	}
	return nil, nil
}

// selectByTags walks tags in order, each tag's apps in ascending view order,
// returning the first unique candidate the owner is allowed to use.
func (s *Selector) selectByTags(ctx context.Context, campaign *models.Campaign, sig classifier.Signals, tags []string) (*models.App, error) {
	for _, tag := range tags {
		apps, err := s.store.ActiveAppsByTag(ctx, tag, campaign.OS)
		if err != nil {
			return nil, err
		}
		for _, app := range apps {
			if !app.AllowsUser(campaign.UserID) {
				continue
			}
			if !s.classifier.CheckUniqueAppUser(ctx, app.StreamID, sig) {
				continue
			}
			return app, nil
		}
	}
	return nil, nil
}
