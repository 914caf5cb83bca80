package transport

import "net/http"

// APIKeyAuth attaches the collector API key to every request.
type APIKeyAuth struct {
	Key string
	// Secure requires an https endpoint when set.
	Secure bool
}

func (a APIKeyAuth) Apply(h http.Header) {
	if a.Key != "" {
		h.Set("apikey", a.Key)
	}
}

func (a APIKeyAuth) RequireTransportSecurity() bool {
	return a.Secure
}
