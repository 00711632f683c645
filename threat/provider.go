package threat

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/template"
	"time"

	"argus/core"
)

// ErrUnsupportedType is returned by providers for indicator types they do not cover
var ErrUnsupportedType = errors.New("indicator type not supported by provider")

// Provider looks an indicator up in one external source
type Provider interface {
	Name() string
	Supports(t core.IndicatorType) bool
	Enrich(ctx context.Context, t core.IndicatorType, value string) (core.EnrichmentRecord, error)
}

// HTTPProviderConfig describes a JSON lookup service
type HTTPProviderConfig struct {
	Name string `mapstructure:"name"`
	// URL is a text/template rendered with .Type and .Value (query-escaped)
	URL       string               `mapstructure:"url"`
	Types     []core.IndicatorType `mapstructure:"types"`
	APIKey    string               `mapstructure:"api_key"`
	APIHeader string               `mapstructure:"api_header"`
	// ConfidenceField is a dotted path into the response holding a 0-100
	// (or 0-1) score; empty leaves confidence unset
	ConfidenceField string                    `mapstructure:"confidence_field"`
	Timeout         time.Duration             `mapstructure:"timeout"`
	CircuitBreaker  core.CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// HTTPProvider queries a JSON HTTP API behind a circuit breaker
type HTTPProvider struct {
	cfg     HTTPProviderConfig
	url     *template.Template
	types   map[core.IndicatorType]bool
	client  *http.Client
	breaker *core.CircuitBreaker
}

// NewHTTPProvider validates cfg and creates the provider
func NewHTTPProvider(cfg HTTPProviderConfig) (*HTTPProvider, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, core.NewValidationError("name", "provider name is required")
	}
	tmpl, err := template.New(cfg.Name).Option("missingkey=error").Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL template for provider %s: %w", cfg.Name, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.APIHeader == "" {
		cfg.APIHeader = "X-API-Key"
	}
	cbConfig := cfg.CircuitBreaker
	if cbConfig.Validate() != nil {
		cbConfig = core.DefaultCircuitBreakerConfig()
	}
	breaker, err := core.NewCircuitBreaker(cbConfig)
	if err != nil {
		return nil, err
	}

	types := make(map[core.IndicatorType]bool, len(cfg.Types))
	for _, t := range cfg.Types {
		types[t] = true
	}

	return &HTTPProvider{
		cfg:   cfg,
		url:   tmpl,
		types: types,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		breaker: breaker,
	}, nil
}

// Name implements Provider
func (p *HTTPProvider) Name() string {
	return p.cfg.Name
}

// Supports implements Provider. No configured types means every type.
func (p *HTTPProvider) Supports(t core.IndicatorType) bool {
	return len(p.types) == 0 || p.types[t]
}

// Enrich implements Provider. A 404 is a clean result without confidence.
func (p *HTTPProvider) Enrich(ctx context.Context, t core.IndicatorType, value string) (core.EnrichmentRecord, error) {
	if !p.Supports(t) {
		return core.EnrichmentRecord{}, ErrUnsupportedType
	}

	var buf bytes.Buffer
	if err := p.url.Execute(&buf, map[string]string{"Type": string(t), "Value": url.QueryEscape(value)}); err != nil {
		return core.EnrichmentRecord{}, fmt.Errorf("failed to render URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buf.String(), nil)
	if err != nil {
		return core.EnrichmentRecord{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set(p.cfg.APIHeader, p.cfg.APIKey)
	}

	if err := p.breaker.Allow(); err != nil {
		return core.EnrichmentRecord{}, fmt.Errorf("provider %s: %w", p.cfg.Name, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.breaker.RecordFailure()
		return core.EnrichmentRecord{}, fmt.Errorf("failed to query %s: %w", p.cfg.Name, err)
	}
	defer resp.Body.Close()

	now := time.Now().UTC()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		p.breaker.RecordSuccess()
		return core.EnrichmentRecord{Payload: map[string]interface{}{"found": false}, FetchedAt: now}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		p.breaker.RecordFailure()
		return core.EnrichmentRecord{}, fmt.Errorf("%s returned status %d", p.cfg.Name, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		p.breaker.RecordSuccess()
		return core.EnrichmentRecord{}, fmt.Errorf("%s returned status %d", p.cfg.Name, resp.StatusCode)
	}
	p.breaker.RecordSuccess()

	var payload map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&payload); err != nil {
		return core.EnrichmentRecord{}, fmt.Errorf("failed to decode %s response: %w", p.cfg.Name, err)
	}

	rec := core.EnrichmentRecord{Payload: payload, FetchedAt: now}
	if p.cfg.ConfidenceField != "" {
		if score, ok := lookupNumber(payload, p.cfg.ConfidenceField); ok {
			if score <= 1 {
				score *= 100
			}
			rec.Confidence = &score
		}
	}
	return rec, nil
}

func lookupNumber(m map[string]interface{}, path string) (float64, bool) {
	var cur interface{} = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return 0, false
		}
		if cur, ok = obj[part]; !ok {
			return 0, false
		}
	}
	f, ok := cur.(float64)
	return f, ok
}
