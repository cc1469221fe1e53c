package gateway

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
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

// AppEventHandler correlates a post-install beacon back to its click,
// charges the advertiser once per event kind, and redirects to the offer.
func (s *Server) AppEventHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "AppEventHandler",
		trace.WithAttributes(
			attribute.String("http.method", http.MethodGet),
			attribute.String("http.route", "/app"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)
	start := time.Now()
	const endpoint = "/app"

	forceInstall := requestHost(r) == s.Config.FlowHost
	ev := extract.App(r, forceInstall)
	out := s.correlateAppEvent(ctx, logger, r, ev)

	s.Metrics.IncrementRequests(endpoint, http.MethodGet, strconv.Itoa(out.StatusCode()))
	s.Metrics.RecordRequestLatency(endpoint, http.MethodGet, time.Since(start))
	s.respond(w, r, out)
}

func (s *Server) correlateAppEvent(ctx context.Context, logger *zap.Logger, r *http.Request, ev *extract.AppEvent) Outcome {
	ip := extract.ClientIP(r)
	userAgent := r.Header.Get("User-Agent")

	// No clid on the beacon: ask the attribution service which click this
	// device was saved under.
	if ev.CLID == "" {
		if ev.AppCLID == "" {
			logger.Warn("beacon without clid or appclid")
			return JSONError(http.StatusBadRequest, "No click id provided.")
		}
		city := ""
		if parsed := net.ParseIP(ip); parsed != nil {
			city = s.GeoIP.City(parsed)
		}
		clid, err := s.Attribution.SearchUser(ctx, userAgent, ip, city, ev.AppCLID)
		if err != nil {
			logger.Warn("attribution search failed", zap.Error(err))
			return JSONError(http.StatusNotFound, "Click not found.")
		}
		if clid == "" {
			return JSONError(http.StatusNotFound, "Click not found.")
		}
		ev.CLID = clid
	}
	logger = logger.With(zap.String("click_id", ev.CLID), zap.String("event", ev.Event))

	// Only the install-only host may omit the event parameter.
	if ev.Event == "" {
		logger.Warn("beacon without event")
		return JSONError(http.StatusBadRequest, "No event provided.")
	}

	session, err := s.Postgres.Begin(ctx)
	if err != nil {
		logger.Error("begin session", zap.Error(err))
		return JSONError(http.StatusInternalServerError, "Internal error.")
	}
	defer session.Rollback()

	click, err := session.ClickByClickID(ctx, ev.CLID)
	if err != nil {
		logger.Error("click lookup", zap.Error(err))
		return JSONError(http.StatusInternalServerError, "Internal error.")
	}
	if click == nil {
		return JSONError(http.StatusNotFound, "Click not found.")
	}

	campaign, err := session.CampaignByID(ctx, click.CampaignID)
	if err != nil {
		logger.Error("campaign lookup", zap.Error(err))
		return JSONError(http.StatusInternalServerError, "Internal error.")
	}
	if campaign == nil {
		return JSONError(http.StatusNotFound, "Campaign not found.")
	}

	s.Metrics.IncrementBeacon(ev.Event)

	// De-dup: a repeated beacon for an already-processed kind becomes a
	// non-charging re-event and only produces the redirect.
	event := ev.Event
	chargeable := false
	switch {
	case ev.Event == models.EventInstall && click.AppInstalled:
		event = models.EventEntry
		logger.Info("duplicate install beacon")
	case ev.Event == models.EventReg && click.AppRegistered:
		event = models.EventRereg
		logger.Info("duplicate reg beacon")
	case ev.Event == models.EventDep && click.AppDeposited:
		event = models.EventRedep
		logger.Info("duplicate dep beacon")
	case ev.Event == models.EventInstall, ev.Event == models.EventReg, ev.Event == models.EventDep:
		chargeable = true
	}

	// Non-install conversions require the campaign owner's panel key.
	if chargeable && event != models.EventInstall {
		if ev.Key == "" {
			return JSONError(http.StatusBadRequest, "No key provided.")
		}
		keyUser, err := session.UserByPanelKey(ctx, ev.Key)
		if err != nil {
			logger.Error("key lookup", zap.Error(err))
			return JSONError(http.StatusInternalServerError, "Internal error.")
		}
		if keyUser == nil {
			return JSONError(http.StatusNotFound, "Key not found.")
		}
		if keyUser.ID != campaign.UserID {
			logger.Warn("panel key does not match campaign owner",
				zap.Int("key_user_id", keyUser.ID), zap.Int("owner_id", campaign.UserID))
			return JSONError(http.StatusNotFound, "Key not valid.")
		}
	}

	// Adopt appclid and pay supplied by the beacon.
	if (ev.AppCLID != "" && click.AppCLID == "") || (ev.Pay != 0 && ev.Pay != click.Pay) {
		if click.AppCLID == "" {
			click.AppCLID = ev.AppCLID
		}
		if ev.Pay != 0 {
			click.Pay = ev.Pay
		}
		if err := session.UpdateClickBeaconInfo(ctx, click.ClickID, click.AppCLID, click.Pay); err != nil {
			logger.Error("update beacon info", zap.Error(err))
		}
	}

	var app *models.App
	if click.AppID != 0 {
		if app, err = session.AppByID(ctx, click.AppID); err != nil {
			logger.Error("app lookup", zap.Error(err))
		}
	}

	charge := decimal.Zero
	if chargeable {
		convSnap := *click
		convEvent := event
		s.Exec.Submit("send_conversion", func(ctx context.Context) error {
			return s.Events.SendConversion(ctx, &convSnap, convEvent)
		})

		owner, err := session.UserByID(ctx, campaign.UserID)
		if err != nil {
			logger.Error("owner lookup", zap.Error(err))
			return JSONError(http.StatusInternalServerError, "Internal error.")
		}
		if owner == nil {
			return JSONError(http.StatusNotFound, "User not found.")
		}

		// No app on the click means nothing to charge against; the beacon
		// still redirects.
		if app != nil {
			charge = s.Config.ConversionPrice(event, app.OS)
			if err := s.applyConversion(ctx, logger, session, click, app, owner, event, ev.Amount, charge); err != nil {
				logger.Error("apply conversion", zap.Error(err))
				return JSONError(http.StatusInternalServerError, "Internal error.")
			}

			if event == models.EventInstall {
				sig := classifier.Signals{
					IP:             ip,
					UserAgent:      userAgent,
					Language:       r.Header.Get("Accept-Language"),
					XRequestedWith: r.Header.Get("X-Requested-With"),
				}
				streamID := app.StreamID
				s.Exec.Submit("mark_non_unique", func(ctx context.Context) error {
					s.Classifier.MarkNonUnique(ctx, streamID, sig)
					return nil
				})
			}
		} else {
			logger.Warn("chargeable beacon without app", zap.Int("app_id", click.AppID))
		}
	}

	if err := session.Commit(); err != nil {
		logger.Error("commit session", zap.Error(err))
		return JSONError(http.StatusInternalServerError, "Internal error.")
	}

	s.reportAppEvent(ctx, campaign, click, app, event, ip, ev.Amount, charge)

	return RedirectTo(buildOfferURL(campaign, click))
}

// applyConversion flips the per-kind flag, bumps counters, debits the owner,
// and writes the ledger row, all inside the request session so they commit
// together.
func (s *Server) applyConversion(ctx context.Context, logger *zap.Logger, session *db.Session, click *models.CampaignClick, app *models.App, owner *models.User, event string, amount float64, charge decimal.Decimal) error {
	depositAmount := decimal.Zero
	if event == models.EventDep {
		depositAmount = decimal.NewFromFloat(amount)
		click.DepositAmount = depositAmount
	}
	if err := session.SetClickEventFlag(ctx, click.ClickID, event, depositAmount); err != nil {
		return err
	}
	if err := session.IncrementAppEvent(ctx, app.ID, event); err != nil {
		return err
	}
	if err := session.DebitUserBalance(ctx, owner.ID, charge); err != nil {
		return err
	}
	if err := session.InsertTransaction(ctx, &models.Transaction{
		UserID:    owner.ID,
		Sign:      models.SignDebit,
		Amount:    charge,
		Reason:    "conversion " + event,
		Geo:       click.Geo,
		AppID:     app.ID,
		OS:        click.Device,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	switch event {
	case models.EventInstall:
		click.AppInstalled = true
	case models.EventReg:
		click.AppRegistered = true
	case models.EventDep:
		click.AppDeposited = true
	}

	if s.Redis != nil {
		if err := s.Redis.IncrementAppConversion(app.ID, event); err != nil {
			logger.Warn("redis conversion counter", zap.Error(err))
		}
	}
	s.Metrics.IncrementConversionDebit(event, app.OS)
	logger.Info("conversion charged",
		zap.Int("app_id", app.ID),
		zap.String("charge", charge.String()),
		zap.Int("user_id", owner.ID))
	return nil
}

// reportAppEvent fires the background stats and analytics for a processed
// beacon. Runs after commit so the tasks observe durable state.
func (s *Server) reportAppEvent(ctx context.Context, campaign *models.Campaign, click *models.CampaignClick, app *models.App, event, ip string, amount float64, charge decimal.Decimal) {
	country, city := click.Geo, click.City
	if country == "" || city == "" {
		if parsed := net.ParseIP(ip); parsed != nil {
			if country == "" {
				country = s.GeoIP.Country(parsed)
			}
			if city == "" {
				city = s.GeoIP.City(parsed)
			}
		}
	}

	appEvent := &outbound.AppEvent{
		ServiceTag:  s.Config.ServiceTag,
		AppID:       click.AppID,
		CLID:        click.ClickID,
		AppCLID:     click.AppCLID,
		Params:      map[string]string{"clid": click.ClickID, "kclid": click.KCLID},
		UserIP:      ip,
		Country:     orUnknown(country),
		City:        orUnknown(city),
		Device:      orUnknown(click.Device),
		EventResult: event,
	}
	if event == models.EventDep || event == models.EventRedep {
		appEvent.DepositAmount = amount
	}
	if app != nil {
		appEvent.AppName = app.Title
		appEvent.AppTags = app.Tags
		appEvent.AppHash = app.HashCode
	}
	if owner, err := s.Postgres.Reader().UserByID(ctx, campaign.UserID); err == nil && owner != nil {
		appEvent.UserHash = owner.HashCode
	}
	s.Exec.Submit("save_app_event", func(ctx context.Context) error {
		return s.Stats.SaveAppEvent(ctx, appEvent)
	})

	if s.Analytics != nil {
		snapshot := *click
		chargeValue := charge.InexactFloat64()
		s.Exec.Submit("app_event_log", func(ctx context.Context) error {
			return s.Analytics.RecordAppEvent(ctx, &snapshot, event, chargeValue)
		})
	}
}
