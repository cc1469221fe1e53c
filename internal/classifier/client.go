package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trafficlab/clickgate/internal/observability"
)

// Verdicts returned by the click check.
const (
	VerdictOkay  = "okay"
	VerdictBlock = "block"
	VerdictError = "error"
)

// Signals carries the request fingerprint submitted to the classifier.
type Signals struct {
	IP             string
	UserAgent      string
	Language       string
	XRequestedWith string
	Domain         string
	RMA            string
	CLID           string
	FBCLID         string
	ULB            int
	// Params is the merged original query map, forwarded as-is.
	Params map[string]string
}

// CheckResult is the classifier's view of one click.
type CheckResult struct {
	Verdict string
	Geo     string
	City    string
	Device  string
	KCLID   string
}

// Classifier is implemented by the remote service client and by test fakes.
type Classifier interface {
	// CheckClick submits the click for a bot verdict. Failures never surface
	// as errors: the result carries VerdictError and the dispatcher routes
	// to emergency.
	CheckClick(ctx context.Context, sig Signals) CheckResult
	// CheckUniqueAppUser reports whether this fingerprint is new to the stream.
	CheckUniqueAppUser(ctx context.Context, streamID int, sig Signals) bool
	// MarkNonUnique registers the fingerprint against the stream so later
	// uniqueness checks fail. Used after a confirmed install.
	MarkNonUnique(ctx context.Context, streamID int, sig Signals)
}

// Client talks to the external click-check service. The call is on the
// redirect critical path, so the timeout is short and there are no retries:
// a retry costs more tail latency than it recovers.
type Client struct {
	baseURL       string
	token         string
	campaignID    int
	campaignToken string
	httpClient    *http.Client
	logger        *zap.Logger
	metrics       observability.MetricsRegistry
}

// checkResponse mirrors the service's click-check payload. The user info is
// embedded as a prefixed JSON row inside the log array.
type checkResponse struct {
	Body string   `json:"body"`
	Log  []string `json:"log"`
}

type userInfo struct {
	Country string `json:"Country"`
	City    string `json:"City"`
	OS      string `json:"OS"`
	SubID   string `json:"SubID"`
}

const userInfoPrefix = "User info: "

// NewClient constructs a classifier Client.
func NewClient(baseURL, token string, campaignID int, campaignToken string, timeout time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		token:         token,
		campaignID:    campaignID,
		campaignToken: campaignToken,
		httpClient:    &http.Client{Timeout: timeout},
		logger:        logger,
		metrics:       metrics,
	}
}

// CheckClick submits the click fingerprint and parses the verdict plus the
// geo/device/kclid user info out of the service log.
func (c *Client) CheckClick(ctx context.Context, sig Signals) CheckResult {
	start := time.Now()
	defer func() {
		c.metrics.RecordClassifierLatency(time.Since(start))
	}()

	params := url.Values{}
	params.Set("token", c.token)
	params.Set("log", "1")
	params.Set("info", "1")
	params.Set("ip", sig.IP)
	params.Set("user_agent", sig.UserAgent)
	params.Set("language", sig.Language)
	params.Set("x_requested_with", sig.XRequestedWith)
	params.Set("rma", sig.RMA)
	params.Set("clid", sig.CLID)
	params.Set("fbclid", sig.FBCLID)
	params.Set("domain", "https://"+sig.Domain)
	params.Set("ulb", strconv.Itoa(sig.ULB))
	for k, v := range sig.Params {
		if params.Get(k) == "" {
			params.Set(k, v)
		}
	}

	resp, err := c.get(ctx, params)
	if err != nil {
		c.logger.Warn("classifier click check failed", zap.Error(err))
		c.metrics.IncrementClassifierVerdict(VerdictError)
		return CheckResult{Verdict: VerdictError}
	}

	result := CheckResult{Geo: "unknown", City: "unknown", Device: "unknown", KCLID: "unknown"}
	switch resp.Body {
	case "okay":
		result.Verdict = VerdictOkay
	default:
		result.Verdict = VerdictBlock
	}

	for _, row := range resp.Log {
		if !strings.HasPrefix(row, userInfoPrefix) {
			continue
		}
		var info userInfo
		if err := json.Unmarshal([]byte(row[len(userInfoPrefix):]), &info); err != nil {
			c.logger.Warn("classifier user info parse", zap.Error(err))
			break
		}
		if info.Country != "" {
			result.Geo = strings.ToLower(info.Country)
		}
		if info.City != "" {
			result.City = strings.ToLower(info.City)
		}
		if info.OS != "" {
			result.Device = strings.ToLower(info.OS)
		}
		if info.SubID != "" {
			result.KCLID = info.SubID
		}
		break
	}

	c.metrics.IncrementClassifierVerdict(result.Verdict)
	return result
}

// CheckUniqueAppUser reuses the click endpoint against the stream's filter
// chain. The service log names the stream and the filter the click stopped
// at: reaching the sub_id filter means the uniqueness filter passed, so the
// fingerprint is new. A stop at the uniqueness filter means it was seen
// before. Errors count as seen to keep a flaky service from double-serving.
func (c *Client) CheckUniqueAppUser(ctx context.Context, streamID int, sig Signals) bool {
	resp, err := c.get(ctx, c.streamParams(streamID, sig))
	if err != nil {
		c.logger.Warn("classifier uniqueness check failed",
			zap.Int("stream_id", streamID), zap.Error(err))
		return false
	}

	for i, row := range resp.Log {
		if !strings.HasSuffix(row, "#"+strconv.Itoa(streamID)) || i+1 >= len(resp.Log) {
			continue
		}
		return strings.Contains(resp.Log[i+1], "sub_id_1")
	}
	return false
}

// MarkNonUnique performs the same call for its side effect: the service
// records the fingerprint against the stream.
func (c *Client) MarkNonUnique(ctx context.Context, streamID int, sig Signals) {
	if _, err := c.get(ctx, c.streamParams(streamID, sig)); err != nil {
		c.logger.Warn("classifier mark non-unique failed",
			zap.Int("stream_id", streamID), zap.Error(err))
	}
}

func (c *Client) streamParams(streamID int, sig Signals) url.Values {
	params := url.Values{}
	params.Set("token", c.campaignToken)
	params.Set("campaign_id", strconv.Itoa(c.campaignID))
	params.Set("stream_id", strconv.Itoa(streamID))
	params.Set("log", "1")
	params.Set("info", "1")
	params.Set("ip", sig.IP)
	params.Set("user_agent", sig.UserAgent)
	params.Set("language", sig.Language)
	params.Set("x_requested_with", sig.XRequestedWith)
	return params
}

func (c *Client) get(ctx context.Context, params url.Values) (*checkResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/click_api/v3?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil && c.logger != nil {
			c.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var parsed checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &parsed, nil
}
