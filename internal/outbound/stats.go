package outbound

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// CampaignEvent is the per-click record reported to the stats service. The
// app fields are only set on the app-redirect branch.
type CampaignEvent struct {
	ServiceTag   string            `json:"service_tag"`
	UserHash     string            `json:"user_hash"`
	SubuserHash  string            `json:"subuser_hash,omitempty"`
	CampaignID   int               `json:"campaign_id"`
	CampaignName string            `json:"campaign_name"`
	CampaignHash string            `json:"campaign_hash"`
	CLID         string            `json:"clid"`
	UserIP       string            `json:"user_ip"`
	Params       map[string]string `json:"request_parameters"`
	Domain       string            `json:"domain"`
	City         string            `json:"city"`
	Country      string            `json:"country"`
	Device       string            `json:"device"`
	EventResult  string            `json:"event_result"`
	AppID        int               `json:"app_id,omitempty"`
	LandingID    int               `json:"landing_id,omitempty"`
	OfferURL     string            `json:"offer_url,omitempty"`
	AppName      string            `json:"app_name,omitempty"`
	AppTags      []string          `json:"app_tags,omitempty"`
	AppHash      string            `json:"app_hash,omitempty"`
}

// AppEvent is the per-beacon record reported to the stats service.
type AppEvent struct {
	ServiceTag    string            `json:"service_tag"`
	UserHash      string            `json:"user_hash"`
	AppID         int               `json:"app_id"`
	AppName       string            `json:"app_name"`
	AppTags       []string          `json:"app_tags"`
	AppHash       string            `json:"app_hash"`
	CLID          string            `json:"clid"`
	AppCLID       string            `json:"appclid"`
	Params        map[string]string `json:"request_parameters"`
	UserIP        string            `json:"user_ip"`
	Country       string            `json:"country"`
	City          string            `json:"city"`
	Device        string            `json:"device"`
	EventResult   string            `json:"event_result"`
	DepositAmount float64           `json:"deposit_amount"`
}

// StatsService receives campaign and app events for reporting.
type StatsService interface {
	SaveCampaignEvent(ctx context.Context, ev *CampaignEvent) error
	SaveAppEvent(ctx context.Context, ev *AppEvent) error
}

// StatsClient is the HTTP implementation of StatsService.
type StatsClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewStatsClient constructs a client for the stats service.
func NewStatsClient(baseURL string, timeout time.Duration, logger *zap.Logger) *StatsClient {
	return &StatsClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// SaveCampaignEvent reports the terminal outcome of a web click.
func (c *StatsClient) SaveCampaignEvent(ctx context.Context, ev *CampaignEvent) error {
	if err := postJSON(ctx, c.httpClient, c.logger, c.baseURL+"/campaign_event", ev, nil); err != nil {
		return err
	}
	c.logger.Debug("campaign event saved", zap.String("clid", ev.CLID))
	return nil
}

// SaveAppEvent reports a processed beacon.
func (c *StatsClient) SaveAppEvent(ctx context.Context, ev *AppEvent) error {
	if err := postJSON(ctx, c.httpClient, c.logger, c.baseURL+"/app_event", ev, nil); err != nil {
		return err
	}
	c.logger.Debug("app event saved",
		zap.String("clid", ev.CLID), zap.String("event", ev.EventResult))
	return nil
}
