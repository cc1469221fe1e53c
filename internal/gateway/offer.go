package gateway

import (
	"net/url"
	"strings"

	"github.com/trafficlab/clickgate/internal/models"
)

// buildOfferURL composes the campaign's fallback destination. The original
// request parameters and the campaign's custom parameters are merged into
// the offer URL's query; clid and kclid always win ties so the advertiser
// can correlate the click.
func buildOfferURL(campaign *models.Campaign, click *models.CampaignClick) string {
	raw := campaign.OfferURL
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	q := u.Query()
	for k, v := range click.Params {
		q.Set(k, v)
	}
	for k, v := range campaign.CustomParams {
		q.Set(k, v)
	}
	q.Set("clid", click.ClickID)
	if click.KCLID != "" {
		q.Set("kclid", click.KCLID)
	}
	u.RawQuery = q.Encode()

	return u.String()
}
