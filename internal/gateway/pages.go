package gateway

import (
	"html/template"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/trafficlab/clickgate/internal/middleware"
)

// emergencyHTML is the built-in fallback when no emergency.html is deployed.
// The page must look like an innocuous site and always answer 200.
const emergencyHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Welcome</title>
<style>body{font-family:sans-serif;text-align:center;padding-top:15%;color:#333}</style>
</head>
<body>
<h1>Welcome</h1>
<p>This page is under construction. Please check back later.</p>
</body>
</html>
`

var conversionTemplate = template.Must(template.New("conversion").Parse(`<!DOCTYPE html>
<html>
<head>
<script async src="https://www.googletagmanager.com/gtag/js?id={{.GtagID}}"></script>
<script>
window.dataLayer = window.dataLayer || [];
function gtag(){dataLayer.push(arguments);}
gtag('js', new Date());
gtag('config', '{{.GtagID}}');
gtag('event', 'conversion', {
    'send_to': '{{.GtagID}}/{{.ConvLabel}}',
    'value': {{.ConvValue}},
    'currency': 'USD',
    'transaction_id': '{{.TransID}}'
});
</script>
</head>
<body></body>
</html>
`))

type conversionPage struct {
	GtagID    string
	ConvLabel string
	ConvValue string
	TransID   string
}

// EmergencyHandler serves the neutral fallback page.
func (s *Server) EmergencyHandler(w http.ResponseWriter, r *http.Request) {
	s.renderEmergency(w, r)
}

func (s *Server) renderEmergency(w http.ResponseWriter, r *http.Request) {
	file := filepath.Join(s.Config.StaticDir, "emergency.html")
	if _, err := os.Stat(file); err == nil {
		http.ServeFile(w, r, file)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(emergencyHTML)); err != nil {
		middleware.LoggerFromRequest(r, s.Logger).Error("write emergency page", zap.Error(err))
	}
}

// ConversionHandler renders the Google-tag conversion beacon page.
func (s *Server) ConversionHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := conversionPage{
		GtagID:    q.Get("gtagId"),
		ConvLabel: q.Get("convLabel"),
		ConvValue: q.Get("convValue"),
		TransID:   q.Get("transId"),
	}
	if page.ConvValue == "" {
		page.ConvValue = "0"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := conversionTemplate.Execute(w, page); err != nil {
		middleware.LoggerFromRequest(r, s.Logger).Error("render conversion page", zap.Error(err))
	}
}
