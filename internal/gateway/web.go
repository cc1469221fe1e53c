package gateway

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/trafficlab/clickgate/internal/classifier"
	"github.com/trafficlab/clickgate/internal/db"
	"github.com/trafficlab/clickgate/internal/extract"
	"github.com/trafficlab/clickgate/internal/middleware"
	"github.com/trafficlab/clickgate/internal/models"
	"github.com/trafficlab/clickgate/internal/outbound"
)

// WebClickHandler dispatches an external ad click: classify, pick an app,
// persist the click, redirect. Everything that can go wrong ends on the
// emergency page; the visitor always gets a response.
func (s *Server) WebClickHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "WebClickHandler",
		trace.WithAttributes(
			attribute.String("http.method", http.MethodGet),
			attribute.String("http.route", "/"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)
	start := time.Now()
	const endpoint = "/"

	ev := extract.Web(r)
	out := s.dispatchWebClick(ctx, logger, ev)

	s.Metrics.IncrementRequests(endpoint, http.MethodGet, strconv.Itoa(out.StatusCode()))
	s.Metrics.RecordRequestLatency(endpoint, http.MethodGet, time.Since(start))
	s.respond(w, r, out)
}

type selection struct {
	app *models.App
	err error
}

func (s *Server) dispatchWebClick(ctx context.Context, logger *zap.Logger, ev *extract.WebEvent) Outcome {
	if ev.Uchsik == "" {
		logger.Warn("web click without campaign hash")
		s.Metrics.IncrementClickResult(models.ResultEmergency)
		return Emergency()
	}

	session, err := s.Postgres.Begin(ctx)
	if err != nil {
		logger.Error("begin session", zap.Error(err))
		s.Metrics.IncrementClickResult(models.ResultEmergency)
		return Emergency()
	}
	defer session.Rollback()

	campaign, err := session.CampaignByHash(ctx, ev.Uchsik)
	if err != nil {
		logger.Error("campaign lookup", zap.Error(err))
		s.Metrics.IncrementClickResult(models.ResultEmergency)
		return Emergency()
	}
	if campaign == nil {
		logger.Warn("campaign not found", zap.String("uchsik", ev.Uchsik))
		s.Metrics.IncrementClickResult(models.ResultEmergency)
		return Emergency()
	}
	logger = logger.With(zap.Int("campaign_id", campaign.ID), zap.String("click_id", ev.CLID))

	sig := signalsFromWeb(ev)

	// Selection runs concurrently with the classifier call; it reads through
	// the pool, never this session's transaction.
	selCh := make(chan selection, 1)
	go func() {
		app, selErr := s.Selector.SelectRelevantApp(ctx, campaign, sig, ev.PSA, ev.PSAType)
		selCh <- selection{app: app, err: selErr}
	}()

	verdict := s.Classifier.CheckClick(ctx, sig)
	click := s.buildClick(ev, campaign, verdict)

	// Eager persist: a beacon can arrive for this click the moment the
	// redirect lands, so the row must be in the session before we respond.
	if err := session.InsertClick(ctx, click); err != nil {
		logger.Error("insert click", zap.Error(err))
		s.Metrics.IncrementClickResult(models.ResultEmergency)
		return Emergency()
	}

	if !campaign.Active() {
		logger.Info("inactive campaign")
		return s.finishClick(ctx, logger, session, campaign, click, models.ResultEmergency, nil)
	}

	if verdict.Verdict == classifier.VerdictError {
		logger.Warn("classifier unavailable")
		return s.finishClick(ctx, logger, session, campaign, click, models.ResultEmergency, nil)
	}

	if click.Blocked {
		return s.blockedClick(ctx, logger, session, campaign, click)
	}

	snapshot := *click
	s.Exec.Submit("save_click", func(ctx context.Context) error {
		return s.Events.SaveClick(ctx, &snapshot)
	})

	// Device OS off-profile: the campaign's apps are useless, try a reserve
	// app for what the visitor actually runs.
	if click.Device != "" && campaign.OS != click.Device {
		logger.Info("os mismatch, selecting reserve app",
			zap.String("campaign_os", campaign.OS), zap.String("device", click.Device))
		reserve, rerr := s.Selector.SelectReserveApp(ctx, campaign, sig, click.Device)
		if rerr != nil {
			logger.Error("reserve selection", zap.Error(rerr))
		}
		return s.appRedirect(ctx, logger, session, campaign, click, reserve)
	}

	sel := <-selCh
	if sel.err != nil {
		logger.Error("app selection", zap.Error(sel.err))
	}
	if sel.app != nil {
		if err := s.bumpAppsStats(ctx, session, campaign, sel.app.ID); err != nil {
			logger.Error("update apps_stats", zap.Error(err))
		}
	}
	return s.appRedirect(ctx, logger, session, campaign, click, sel.app)
}

// blockedClick routes a bot verdict: the campaign's landing when it has an
// active one, the emergency page otherwise.
func (s *Server) blockedClick(ctx context.Context, logger *zap.Logger, session *db.Session, campaign *models.Campaign, click *models.CampaignClick) Outcome {
	if campaign.LandingID == 0 {
		logger.Info("blocked click, no landing configured")
		return s.finishClick(ctx, logger, session, campaign, click, models.ResultEmergency, nil)
	}

	landing, err := session.LandingByID(ctx, campaign.LandingID)
	if err != nil {
		logger.Error("landing lookup", zap.Error(err))
		return s.finishClick(ctx, logger, session, campaign, click, models.ResultEmergency, nil)
	}
	if landing == nil || !landing.Active() {
		logger.Info("blocked click, landing missing or inactive",
			zap.Int("landing_id", campaign.LandingID))
		return s.finishClick(ctx, logger, session, campaign, click, models.ResultEmergency, nil)
	}

	logger.Info("blocked click, rendering landing", zap.Int("landing_id", landing.ID))
	out := s.finishClick(ctx, logger, session, campaign, click, models.ResultLanding, nil)
	if out.kind == outcomeLanding {
		out.landing = landing
	}
	return out
}

// appRedirect is the terminal branch shared by selected and reserve apps:
// app URL when the app is usable, offer URL when the campaign has one,
// emergency otherwise.
func (s *Server) appRedirect(ctx context.Context, logger *zap.Logger, session *db.Session, campaign *models.Campaign, click *models.CampaignClick, app *models.App) Outcome {
	userSnap := *click
	s.Exec.Submit("save_user", func(ctx context.Context) error {
		return s.Attribution.SaveUser(ctx, &userSnap)
	})

	if app != nil && app.Active() {
		if err := session.IncrementAppViews(ctx, app.ID); err != nil {
			logger.Error("increment app views", zap.Error(err))
		}
		if s.Redis != nil {
			s.Redis.IncrementAppView(app.ID)
		}
		click.AppID = app.ID
		click.OfferURL = click.SubstitutePanelCLID(app.URL)
		logger.Info("redirecting to app",
			zap.Int("app_id", app.ID), zap.String("app_title", app.Title))
		return s.finishClick(ctx, logger, session, campaign, click, models.ResultApp, app)
	}

	if campaign.OfferURL != "" {
		click.OfferURL = buildOfferURL(campaign, click)
		logger.Info("no app, redirecting to offer")
		return s.finishClick(ctx, logger, session, campaign, click, models.ResultOffer, nil)
	}

	logger.Warn("no app and no offer url")
	return s.finishClick(ctx, logger, session, campaign, click, models.ResultEmergency, nil)
}

// finishClick records the terminal result, commits the session, and fires
// the background reporting. Nothing is observable to beacons until the
// commit here succeeds.
func (s *Server) finishClick(ctx context.Context, logger *zap.Logger, session *db.Session, campaign *models.Campaign, click *models.CampaignClick, result string, app *models.App) Outcome {
	click.Result = result
	if err := session.UpdateClickResult(ctx, click.ClickID, click.AppID, click.OfferURL, result, click.Blocked); err != nil {
		logger.Error("update click result", zap.Error(err))
	}
	if err := session.Commit(); err != nil {
		logger.Error("commit session", zap.Error(err))
		s.Metrics.IncrementClickResult(models.ResultEmergency)
		return Emergency()
	}
	s.Metrics.IncrementClickResult(result)

	event := s.campaignEvent(ctx, campaign, click, app)
	s.Exec.Submit("save_campaign_event", func(ctx context.Context) error {
		return s.Stats.SaveCampaignEvent(ctx, event)
	})

	if s.Analytics != nil {
		snapshot := *click
		s.Exec.Submit("click_log", func(ctx context.Context) error {
			return s.Analytics.RecordClickEvent(ctx, &snapshot)
		})
	}

	switch result {
	case models.ResultApp, models.ResultOffer:
		return RedirectTo(click.OfferURL)
	case models.ResultLanding:
		// caller renders the landing
		return Outcome{kind: outcomeLanding}
	default:
		return Emergency()
	}
}

// campaignEvent snapshots the stats-service payload for a terminal click.
func (s *Server) campaignEvent(ctx context.Context, campaign *models.Campaign, click *models.CampaignClick, app *models.App) *outbound.CampaignEvent {
	ev := &outbound.CampaignEvent{
		ServiceTag:   s.Config.ServiceTag,
		SubuserHash:  campaign.Subuser,
		CampaignID:   campaign.ID,
		CampaignName: campaign.Title,
		CampaignHash: campaign.HashCode,
		CLID:         click.ClickID,
		UserIP:       click.IP,
		Params:       click.Params,
		Domain:       click.Domain,
		City:         orUnknown(click.City),
		Country:      orUnknown(click.Geo),
		Device:       orUnknown(click.Device),
		EventResult:  click.Result,
	}
	if owner, err := s.Postgres.Reader().UserByID(ctx, campaign.UserID); err == nil && owner != nil {
		ev.UserHash = owner.HashCode
	}
	switch click.Result {
	case models.ResultApp:
		ev.AppID = click.AppID
		ev.OfferURL = click.OfferURL
		if app != nil {
			ev.AppName = app.Title
			ev.AppTags = app.Tags
			ev.AppHash = app.HashCode
		}
	case models.ResultOffer:
		ev.OfferURL = click.OfferURL
	case models.ResultLanding:
		ev.LandingID = campaign.LandingID
	}
	return ev
}

// bumpAppsStats increments the chosen app's visit counter, initialising the
// rotation state on first use, and persists it in the session.
func (s *Server) bumpAppsStats(ctx context.Context, session *db.Session, campaign *models.Campaign, appID int) error {
	if len(campaign.AppsStats) == 0 && len(campaign.AppIDs) > 0 {
		weight := 100 / len(campaign.AppIDs)
		for _, id := range campaign.AppIDs {
			campaign.AppsStats = append(campaign.AppsStats, models.AppStat{AppID: int(id), Weight: weight})
		}
	}
	for i := range campaign.AppsStats {
		if campaign.AppsStats[i].AppID == appID {
			campaign.AppsStats[i].Visits++
		}
	}
	return session.UpdateCampaignAppsStats(ctx, campaign.ID, campaign.AppsStats)
}

// buildClick assembles the CampaignClick row from the extracted event and
// the classifier verdict, filling geo gaps from the local database.
func (s *Server) buildClick(ev *extract.WebEvent, campaign *models.Campaign, verdict classifier.CheckResult) *models.CampaignClick {
	params := make(map[string]string, len(ev.Params))
	for k, v := range ev.Params {
		if k != "uchsik" {
			params[k] = v
		}
	}

	geo, city := verdict.Geo, verdict.City
	device := verdict.Device
	if device == "" || device == "unknown" {
		device = ev.DeviceOSHint
	}
	if geo == "" || geo == "unknown" {
		if ip := net.ParseIP(ev.IP); ip != nil {
			if c := s.GeoIP.Country(ip); c != "" {
				geo = c
			}
		}
	}
	if city == "" || city == "unknown" {
		if ip := net.ParseIP(ev.IP); ip != nil {
			if c := s.GeoIP.City(ip); c != "" {
				city = c
			}
		}
	}

	referer := ev.Referer
	if referer == "" {
		referer = "Unknown"
	}

	return &models.CampaignClick{
		ClickID:        ev.CLID,
		Domain:         ev.Host,
		FBCLID:         ev.FBCLID,
		GCLID:          ev.GCLID,
		TTCLID:         ev.TTCLID,
		ClickSource:    ev.ClickSource,
		RMA:            ev.RMA,
		ULB:            ev.ULB,
		Pay:            ev.Pay,
		CLabel:         ev.CLabel,
		GTag:           ev.GTag,
		KCLID:          verdict.KCLID,
		Params:         params,
		CampaignID:     campaign.ID,
		IP:             ev.IP,
		UserAgent:      ev.UserAgent,
		Referer:        referer,
		CreatedAt:      time.Now().UTC(),
		Blocked:        verdict.Verdict == classifier.VerdictBlock,
		Geo:            geo,
		City:           city,
		Device:         device,
		TimeZone:       ev.TimeZone,
		Lat:            ev.Lat,
		Lon:            ev.Lon,
		IdempotencyKey: ev.IdempotencyKey,
	}
}

func signalsFromWeb(ev *extract.WebEvent) classifier.Signals {
	return classifier.Signals{
		IP:             ev.IP,
		UserAgent:      ev.UserAgent,
		Language:       ev.Language,
		XRequestedWith: ev.XRequestedWith,
		Domain:         ev.Host,
		RMA:            ev.RMA,
		CLID:           ev.CLID,
		FBCLID:         ev.FBCLID,
		ULB:            ev.ULB,
		Params:         ev.Params,
	}
}

func orUnknown(v string) string {
	if v == "" {
		return "Unknown"
	}
	return v
}
