package resolver

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type siretResponse struct {
	Siret string `json:"siret"`
}

// MIDInterpreter resolves point-of-sale identifiers to merchant SIRETs.
// Every failure is reported as unresolved.
type MIDInterpreter struct {
	http httpClient
	log  *logrus.Logger
}

func NewMIDInterpreter(baseURL string, timeout time.Duration, log *logrus.Logger) *MIDInterpreter {
	return &MIDInterpreter{
		http: newHTTPClient(baseURL, timeout),
		log:  log,
	}
}

func (m *MIDInterpreter) Resolve(ctx context.Context, mid string) (string, bool) {
	if strings.TrimSpace(mid) == "" {
		return "", false
	}

	var body siretResponse
	err := m.http.getJSON(ctx, "/mid/"+url.PathEscape(mid), &body)
	switch {
	case errors.Is(err, errNotFound):
		m.log.WithField("mid", mid).Debug("no merchant registered for MID")
		return "", false
	case err != nil:
		m.log.WithError(err).WithField("mid", mid).Warn("MID interpreter unavailable, treating merchant as unresolved")
		return "", false
	}

	siret := strings.TrimSpace(body.Siret)
	if siret == "" {
		return "", false
	}
	return siret, true
}
