package outbound

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/trafficlab/clickgate/internal/models"
)

// AttributionService ties device fingerprints to click ids so a beacon that
// arrives without a clid can still be correlated.
type AttributionService interface {
	SaveUser(ctx context.Context, click *models.CampaignClick) error
	// SearchUser resolves a fingerprint back to the click id it was saved
	// under. Returns "" when the service has no match.
	SearchUser(ctx context.Context, userAgent, ip, city, appCLID string) (string, error)
}

// AttributionClient is the HTTP implementation of AttributionService.
type AttributionClient struct {
	baseURL     string
	serviceTag  string
	serviceName string
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewAttributionClient constructs a client for the user-attribution service.
func NewAttributionClient(baseURL, serviceTag, serviceName string, timeout time.Duration, logger *zap.Logger) *AttributionClient {
	return &AttributionClient{
		baseURL:     baseURL,
		serviceTag:  serviceTag,
		serviceName: serviceName,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

type saveUserRequest struct {
	UserAgent  string `json:"user_agent"`
	UserIP     string `json:"user_ip"`
	City       string `json:"city"`
	PanelCLID  string `json:"panel_clid"`
	Initiator  string `json:"initiator"`
	ServiceTag string `json:"service_tag"`
}

// SaveUser registers the click's fingerprint under its click id.
func (c *AttributionClient) SaveUser(ctx context.Context, click *models.CampaignClick) error {
	city := click.City
	if city == "" {
		city = "Unknown"
	}
	req := saveUserRequest{
		UserAgent:  click.UserAgent,
		UserIP:     click.IP,
		City:       city,
		PanelCLID:  click.ClickID,
		Initiator:  c.serviceName,
		ServiceTag: c.serviceTag,
	}
	return postJSON(ctx, c.httpClient, c.logger, c.baseURL+"/save_user", req, nil)
}

type searchUserRequest struct {
	UserAgent string `json:"user_agent"`
	UserIP    string `json:"user_ip"`
	City      string `json:"city"`
	AppCLID   string `json:"appclid"`
}

type searchUserResponse struct {
	UserData *struct {
		PanelCLID string `json:"panel_clid"`
	} `json:"user_data"`
}

// SearchUser looks up the click id previously saved for this fingerprint.
func (c *AttributionClient) SearchUser(ctx context.Context, userAgent, ip, city, appCLID string) (string, error) {
	if city == "" {
		city = "Unknown"
	}
	req := searchUserRequest{UserAgent: userAgent, UserIP: ip, City: city, AppCLID: appCLID}

	var resp searchUserResponse
	if err := postJSON(ctx, c.httpClient, c.logger, c.baseURL+"/search_user", req, &resp); err != nil {
		return "", err
	}
	if resp.UserData == nil {
		return "", nil
	}
	return resp.UserData.PanelCLID, nil
}
