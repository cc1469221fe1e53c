package gateway

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/trafficlab/clickgate/internal/middleware"
	"github.com/trafficlab/clickgate/internal/models"
)

type outcomeKind int

const (
	outcomeRedirect outcomeKind = iota
	outcomeLanding
	outcomeJSONError
	outcomeEmergency
)

// Outcome is the terminal decision of a dispatch handler. Handlers compute
// one and hand it to respond; nothing is written to the client before that.
type Outcome struct {
	kind     outcomeKind
	location string
	landing  *models.Landing
	status   int
	message  string
}

// RedirectTo produces a 302 to the given URL.
func RedirectTo(url string) Outcome {
	return Outcome{kind: outcomeRedirect, location: url}
}

// RenderLanding serves the landing's index page and sets the landing cookie.
func RenderLanding(l *models.Landing) Outcome {
	return Outcome{kind: outcomeLanding, landing: l}
}

// JSONError produces {"error": message} with the given status.
func JSONError(status int, message string) Outcome {
	return Outcome{kind: outcomeJSONError, status: status, message: message}
}

// Emergency serves the static emergency page with status 200.
func Emergency() Outcome {
	return Outcome{kind: outcomeEmergency}
}

// StatusCode returns the HTTP status this outcome writes.
func (o Outcome) StatusCode() int {
	switch o.kind {
	case outcomeRedirect:
		return http.StatusFound
	case outcomeJSONError:
		return o.status
	default:
		return http.StatusOK
	}
}

// respond writes the outcome to the client.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, o Outcome) {
	switch o.kind {
	case outcomeRedirect:
		http.Redirect(w, r, o.location, http.StatusFound)
	case outcomeLanding:
		s.renderLanding(w, r, o.landing)
	case outcomeJSONError:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(o.status)
		if err := json.NewEncoder(w).Encode(map[string]string{"error": o.message}); err != nil {
			middleware.LoggerFromRequest(r, s.Logger).Error("write error response", zap.Error(err))
		}
	case outcomeEmergency:
		s.renderEmergency(w, r)
	}
}
