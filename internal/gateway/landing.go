package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/trafficlab/clickgate/internal/middleware"
	"github.com/trafficlab/clickgate/internal/models"
)

// landingCookie identifies which landing directory serves a visitor's asset
// requests. Value: 60 random hex chars followed by the landing id in decimal.
const (
	landingCookie       = "ti3948gh3d"
	landingCookiePrefix = 60
)

func newLandingCookie(landingID int) *http.Cookie {
	var b [30]byte
	_, _ = rand.Read(b[:])
	return &http.Cookie{
		Name:  landingCookie,
		Value: hex.EncodeToString(b[:]) + strconv.Itoa(landingID),
		Path:  "/",
	}
}

// landingIDFromCookie extracts the decimal suffix beyond the random prefix.
// Returns 0 when the cookie is absent or malformed.
func landingIDFromCookie(r *http.Request) int {
	c, err := r.Cookie(landingCookie)
	if err != nil || len(c.Value) <= landingCookiePrefix {
		return 0
	}
	id, err := strconv.Atoi(c.Value[landingCookiePrefix:])
	if err != nil {
		return 0
	}
	return id
}

// renderLanding serves the landing's index page and binds the visitor to the
// landing's file tree via the cookie.
func (s *Server) renderLanding(w http.ResponseWriter, r *http.Request, landing *models.Landing) {
	http.SetCookie(w, newLandingCookie(landing.ID))
	http.ServeFile(w, r, filepath.Join(s.Config.TemplatesDir, landing.WorkingDir, "index.html"))
}

// LandingAssetHandler serves static files for dotted paths. A visitor who
// was shown a landing carries the landing cookie and is served from that
// landing's directory; everyone else gets the shared static tree.
func (s *Server) LandingAssetHandler(w http.ResponseWriter, r *http.Request) {
	logger := middleware.LoggerFromRequest(r, s.Logger)

	rel := path.Clean(strings.TrimPrefix(r.URL.Path, "/"))
	if rel == "." || strings.HasPrefix(rel, "..") {
		http.NotFound(w, r)
		return
	}

	if id := landingIDFromCookie(r); id != 0 {
		landing, err := s.Postgres.Reader().LandingByID(r.Context(), id)
		if err != nil {
			logger.Error("landing lookup", zap.Int("landing_id", id), zap.Error(err))
		}
		if landing != nil {
			file := filepath.Join(s.Config.TemplatesDir, landing.WorkingDir, rel)
			if _, err := os.Stat(file); err == nil {
				if !strings.HasSuffix(rel, ".html") {
					w.Header().Set("Content-Disposition", "attachment; filename="+path.Base(rel))
				}
				http.ServeFile(w, r, file)
				return
			}
		}
	}

	http.ServeFile(w, r, filepath.Join(s.Config.StaticDir, rel))
}
