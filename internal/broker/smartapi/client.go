package smartapi

import (
	"copybot/internal/logger"
	"net/http"
	"time"
)

const DefaultBaseURL = "https://apiconnect.angelone.in"

// Provider opens SmartAPI sessions. One Provider serves every account of a run.
type Provider struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger
	now        func() time.Time

	localIP  string
	publicIP string
	mac      string
}

func New(baseURL string, log *logger.Logger) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Provider{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log:      log,
		now:      time.Now,
		localIP:  "127.0.0.1",
		publicIP: "127.0.0.1",
		mac:      "00:00:00:00:00:00",
	}
}
