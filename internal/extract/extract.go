package extract

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/avct/uasurfer"

	"github.com/trafficlab/clickgate/internal/models"
)

// WebEvent is a normalized external click. Extraction never fails: missing
// fields are left zero-valued and validated downstream.
type WebEvent struct {
	Uchsik  string // campaign hash
	PSA     string // preselected app id or tag
	PSAType string // "app" when PSA is numeric, "tag" otherwise, "" when absent

	FBCLID      string
	GCLID       string
	TTCLID      string
	ClickSource string

	RMA    string
	Pay    int
	ULB    int
	CLabel string
	GTag   string

	UserAgent      string
	IP             string
	Host           string
	Referer        string
	Language       string
	XRequestedWith string

	TimeZone  string
	UTCOffset int
	Lat       float64
	Lon       float64

	// DeviceOSHint comes from the User-Agent; the classifier verdict's
	// device wins when available.
	DeviceOSHint string

	CLID           string
	IdempotencyKey string

	// Params holds the full original query map, preserved into the offer URL.
	Params map[string]string
}

// AppEvent is a normalized post-install beacon.
type AppEvent struct {
	CLID    string
	AppCLID string
	Pay     int
	Event   string
	Key     string
	Amount  float64
}

// Web parses an incoming request into a WebEvent with a freshly minted click id.
func Web(r *http.Request) *WebEvent {
	q := r.URL.Query()

	ev := &WebEvent{
		Uchsik:         q.Get("uchsik"),
		PSA:            q.Get("psa"),
		FBCLID:         q.Get("fbclid"),
		GCLID:          q.Get("gclid"),
		TTCLID:         q.Get("ttclid"),
		RMA:            q.Get("rma"),
		CLabel:         q.Get("clabel"),
		GTag:           q.Get("gtag"),
		UserAgent:      r.Header.Get("User-Agent"),
		IP:             ClientIP(r),
		Host:           r.Host,
		Referer:        r.Header.Get("Referer"),
		Language:       r.Header.Get("Accept-Language"),
		XRequestedWith: r.Header.Get("X-Requested-With"),
		TimeZone:       r.Header.Get("CF-Timezone"),
		CLID:           NewClickID(),
		Params:         map[string]string{},
	}

	for key, vals := range q {
		if len(vals) > 0 {
			ev.Params[key] = vals[0]
		}
	}

	if ev.PSA != "" {
		if _, err := strconv.Atoi(ev.PSA); err == nil {
			ev.PSAType = "app"
		} else {
			ev.PSAType = "tag"
		}
	}

	switch {
	case ev.FBCLID != "":
		ev.ClickSource = models.SourceFacebook
	case ev.GCLID != "":
		ev.ClickSource = models.SourceGoogle
	case ev.TTCLID != "":
		ev.ClickSource = models.SourceTikTok
	default:
		ev.ClickSource = models.SourceNone
	}

	if pay, err := strconv.Atoi(q.Get("pay")); err == nil && pay > 0 {
		ev.Pay = pay
	} else {
		ev.Pay = 120 + randInt(91) // 120..210
	}
	ev.ULB = 10000000 + randInt(90000000) // 8 digits

	if off, err := strconv.Atoi(r.Header.Get("CF-UTC-Offset")); err == nil {
		ev.UTCOffset = off
	}
	if lat, err := strconv.ParseFloat(r.Header.Get("CF-IPLatitude"), 64); err == nil {
		ev.Lat = lat
	}
	if lon, err := strconv.ParseFloat(r.Header.Get("CF-IPLongitude"), 64); err == nil {
		ev.Lon = lon
	}

	ev.DeviceOSHint = deviceOS(ev.UserAgent)
	ev.IdempotencyKey = idempotencyKey(ev)

	return ev
}

// App parses an in-app beacon. forceInstall is set for the install-only host;
// on other hosts a missing event parameter is left empty and rejected by the
// correlator.
func App(r *http.Request, forceInstall bool) *AppEvent {
	q := r.URL.Query()

	ev := &AppEvent{
		CLID:    q.Get("clid"),
		AppCLID: q.Get("appclid"),
		Event:   q.Get("event"),
		Key:     q.Get("key"),
	}
	if pay, err := strconv.Atoi(q.Get("pay")); err == nil {
		ev.Pay = pay
	}
	if amount, err := strconv.ParseFloat(q.Get("amount"), 64); err == nil {
		ev.Amount = amount
	}
	if forceInstall {
		ev.Event = models.EventInstall
	}
	return ev
}

// ClientIP resolves the client address, preferring the CDN-provided header,
// then the first X-Forwarded-For hop, then the socket peer.
func ClientIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// NewClickID mints a 10-char lowercase hex click id.
func NewClickID() string {
	var b [5]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// idempotencyKey hashes the dominant source id, falling back to the click id.
func idempotencyKey(ev *WebEvent) string {
	source := ev.CLID
	switch {
	case ev.FBCLID != "":
		source = ev.FBCLID
	case ev.GCLID != "":
		source = ev.GCLID
	case ev.TTCLID != "":
		source = ev.TTCLID
	}
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// deviceOS maps a User-Agent onto the OS vocabulary the campaigns use.
func deviceOS(ua string) string {
	switch uasurfer.Parse(ua).OS.Name {
	case uasurfer.OSAndroid:
		return models.OSAndroid
	case uasurfer.OSiOS:
		return models.OSIOS
	default:
		return ""
	}
}

// randInt returns a uniform int in [0,n) from crypto/rand.
func randInt(n int64) int {
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}
