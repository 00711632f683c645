package threat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProvider_Enrich(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		switch r.URL.Path {
		case "/ip/198.51.100.4":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data": {"abuse_score": 0.85}, "country": "NL"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(HTTPProviderConfig{
		Name:            "reputation",
		URL:             srv.URL + "/{{.Type}}/{{.Value}}",
		Types:           []core.IndicatorType{core.IndicatorTypeIP},
		APIKey:          "secret",
		ConfidenceField: "data.abuse_score",
	})
	require.NoError(t, err)
	assert.True(t, p.Supports(core.IndicatorTypeIP))
	assert.False(t, p.Supports(core.IndicatorTypeDomain))

	rec, err := p.Enrich(context.Background(), core.IndicatorTypeIP, "198.51.100.4")
	require.NoError(t, err)
	require.NotNil(t, rec.Confidence)
	assert.InDelta(t, 85.0, *rec.Confidence, 0.001)
	assert.Equal(t, "NL", rec.Payload["country"])

	rec, err = p.Enrich(context.Background(), core.IndicatorTypeIP, "192.0.2.1")
	require.NoError(t, err)
	assert.Nil(t, rec.Confidence)
	assert.Equal(t, false, rec.Payload["found"])

	_, err = p.Enrich(context.Background(), core.IndicatorTypeDomain, "example.com")
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestHTTPProvider_CircuitOpensOnServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(HTTPProviderConfig{
		Name:           "flaky",
		URL:            srv.URL + "/{{.Value}}",
		CircuitBreaker: core.CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Minute, MaxHalfOpenRequests: 1},
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := p.Enrich(context.Background(), core.IndicatorTypeIP, "10.0.0.1")
		assert.Error(t, err)
	}
	_, err = p.Enrich(context.Background(), core.IndicatorTypeIP, "10.0.0.1")
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
	assert.Equal(t, 2, calls)
}

func TestNewHTTPProvider_Invalid(t *testing.T) {
	_, err := NewHTTPProvider(HTTPProviderConfig{URL: "http://x"})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = NewHTTPProvider(HTTPProviderConfig{Name: "bad", URL: "http://x/{{.Value"})
	assert.Error(t, err)
}
