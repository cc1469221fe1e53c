package outbound

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trafficlab/clickgate/internal/models"
)

// EventService forwards clicks and conversions to the external event service.
type EventService interface {
	SaveClick(ctx context.Context, click *models.CampaignClick) error
	SendConversion(ctx context.Context, click *models.CampaignClick, event string) error
}

// EventServiceClient is the HTTP implementation of EventService.
type EventServiceClient struct {
	baseURL     string
	serviceTag  string
	serviceName string
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewEventServiceClient constructs a client for the event service.
func NewEventServiceClient(baseURL, serviceTag, serviceName string, timeout time.Duration, logger *zap.Logger) *EventServiceClient {
	return &EventServiceClient{
		baseURL:     baseURL,
		serviceTag:  serviceTag,
		serviceName: serviceName,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

type saveClickRequest struct {
	EventID     string `json:"event_id"`
	ClickID     string `json:"click_id"`
	ServiceTag  string `json:"service_tag"`
	Initiator   string `json:"initiator"`
	UserAgent   string `json:"user_agent"`
	Domain      string `json:"domain"`
	RMA         string `json:"rma"`
	ULB         int    `json:"ulb"`
	XCN         int    `json:"xcn"`
	FBCLID      string `json:"fbclid"`
	GCLID       string `json:"gclid"`
	TTCLID      string `json:"ttclid"`
	ClickSource string `json:"click_source"`
	CLabel      string `json:"clabel"`
	GTag        string `json:"gtag"`
}

// SaveClick archives a dispatched click with the event service.
func (c *EventServiceClient) SaveClick(ctx context.Context, click *models.CampaignClick) error {
	req := saveClickRequest{
		EventID:     uuid.NewString(),
		ClickID:     click.ClickID,
		ServiceTag:  c.serviceTag,
		Initiator:   c.serviceName,
		UserAgent:   click.UserAgent,
		Domain:      click.Domain,
		RMA:         click.RMA,
		ULB:         click.ULB,
		XCN:         click.Pay,
		FBCLID:      click.FBCLID,
		GCLID:       click.GCLID,
		TTCLID:      click.TTCLID,
		ClickSource: click.ClickSource,
		CLabel:      click.CLabel,
		GTag:        click.GTag,
	}
	if err := postJSON(ctx, c.httpClient, c.logger, c.baseURL+"/save_click", req, nil); err != nil {
		return err
	}
	c.logger.Debug("click saved", zap.String("click_id", click.ClickID))
	return nil
}

type sendConversionRequest struct {
	EventID     string `json:"event_id"`
	ClickID     string `json:"click_id"`
	Event       string `json:"event"`
	AppCLID     string `json:"appclid"`
	ClickSource string `json:"click_source"`
	Timeout     int    `json:"timeout"`
	GTag        string `json:"gtag,omitempty"`
	CLabel      string `json:"clabel,omitempty"`
}

// SendConversion forwards a confirmed conversion upstream. Google-sourced
// clicks carry the tag and per-event conversion label so the service can
// fire the gtag postback.
func (c *EventServiceClient) SendConversion(ctx context.Context, click *models.CampaignClick, event string) error {
	req := sendConversionRequest{
		EventID:     uuid.NewString(),
		ClickID:     click.ClickID,
		Event:       event,
		AppCLID:     click.AppCLID,
		ClickSource: click.ClickSource,
		Timeout:     1,
	}
	if click.ClickSource == models.SourceGoogle {
		req.GTag = click.GTag
		req.CLabel = click.CLabel
	}
	if err := postJSON(ctx, c.httpClient, c.logger, c.baseURL+"/send_conversion", req, nil); err != nil {
		return err
	}
	c.logger.Debug("conversion sent",
		zap.String("click_id", click.ClickID), zap.String("event", event))
	return nil
}
