package gateway

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficlab/clickgate/internal/models"
)

func TestBuildOfferURLMergesParams(t *testing.T) {
	campaign := &models.Campaign{
		OfferURL:     "win.example/path?x=1",
		CustomParams: map[string]string{"utm_source": "net"},
	}
	click := &models.CampaignClick{
		ClickID: "abc123def0",
		KCLID:   "k-1",
		Params:  map[string]string{"sub": "a", "clid": "spoofed"},
	}

	u, err := url.Parse(buildOfferURL(campaign, click))
	require.NoError(t, err)

	assert.Equal(t, "https", u.Scheme)
	assert.Equal(t, "win.example", u.Host)
	assert.Equal(t, "/path", u.Path)

	q := u.Query()
	assert.Equal(t, "1", q.Get("x"))
	assert.Equal(t, "a", q.Get("sub"))
	assert.Equal(t, "net", q.Get("utm_source"))
	// clid always wins over whatever the request carried
	assert.Equal(t, "abc123def0", q.Get("clid"))
	assert.Equal(t, "k-1", q.Get("kclid"))
}

func TestBuildOfferURLKeepsScheme(t *testing.T) {
	campaign := &models.Campaign{OfferURL: "http://win.example/p"}
	click := &models.CampaignClick{ClickID: "abc123def0"}

	u, err := url.Parse(buildOfferURL(campaign, click))
	require.NoError(t, err)
	assert.Equal(t, "http", u.Scheme)
}

func TestBuildOfferURLOmitsEmptyKCLID(t *testing.T) {
	campaign := &models.Campaign{OfferURL: "https://win.example/p"}
	click := &models.CampaignClick{ClickID: "abc123def0"}

	u, err := url.Parse(buildOfferURL(campaign, click))
	require.NoError(t, err)
	_, has := u.Query()["kclid"]
	assert.False(t, has)
}

func TestBuildOfferURLEmpty(t *testing.T) {
	assert.Empty(t, buildOfferURL(&models.Campaign{}, &models.CampaignClick{ClickID: "x"}))
}
