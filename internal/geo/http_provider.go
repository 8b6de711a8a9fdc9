package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// FormatText expects the response body to be the bare country code.
	FormatText = "text"
	// FormatJSON expects a JSON object with the code under Field.
	FormatJSON = "json"

	ipPlaceholder       = "{ip}"
	defaultHTTPTimeout  = 1500 * time.Millisecond
	maxResponseBodySize = 16 * 1024
)

// HTTPProviderConfig describes one IP geolocation web service.
type HTTPProviderConfig struct {
	Name        string        `mapstructure:"name"`
	URLTemplate string        `mapstructure:"url"`
	Format      string        `mapstructure:"format"`
	Field       string        `mapstructure:"field"`
	Timeout     time.Duration `mapstructure:"-"`
	HTTPClient  *http.Client  `mapstructure:"-"`
}

// DefaultHTTPProviders mirrors the public services queried for visitors.
func DefaultHTTPProviders() []HTTPProviderConfig {
	return []HTTPProviderConfig{
		{Name: "ipapi", URLTemplate: "https://ipapi.co/{ip}/country/", Format: FormatText},
		{Name: "ipwho", URLTemplate: "https://ipwho.is/{ip}", Format: FormatJSON, Field: "country_code"},
	}
}

// HTTPProvider looks up a country through a templated GET request.
type HTTPProvider struct {
	name       string
	template   string
	format     string
	field      string
	timeout    time.Duration
	httpClient *http.Client
}

// NewHTTPProvider validates the configuration and returns a provider.
func NewHTTPProvider(cfg HTTPProviderConfig) (*HTTPProvider, error) {
	template := strings.TrimSpace(cfg.URLTemplate)
	if template == "" {
		return nil, fmt.Errorf("geo: provider url is required")
	}
	if _, err := url.Parse(strings.ReplaceAll(template, ipPlaceholder, "127.0.0.1")); err != nil {
		return nil, fmt.Errorf("geo: invalid provider url %q: %w", template, err)
	}
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format == "" {
		format = FormatText
	}
	if format != FormatText && format != FormatJSON {
		return nil, fmt.Errorf("geo: unknown provider format %q", cfg.Format)
	}
	field := strings.TrimSpace(cfg.Field)
	if format == FormatJSON && field == "" {
		field = "country_code"
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = template
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPProvider{
		name:       name,
		template:   template,
		format:     format,
		field:      field,
		timeout:    timeout,
		httpClient: httpClient,
	}, nil
}

func (p *HTTPProvider) Name() string {
	return p.name
}

func (p *HTTPProvider) Country(ctx context.Context, ip string) (string, error) {
	target, ok := p.targetURL(ip)
	if !ok {
		return "", ErrUnavailable
	}

	requestCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	request.Header.Set("Accept", "application/json, text/plain")
	response, err := p.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, response.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBodySize))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	raw := strings.TrimSpace(string(body))
	if p.format == FormatJSON {
		raw, err = p.extractField(body)
		if err != nil {
			return "", err
		}
	}
	code, valid := normalizeCode(raw)
	if !valid {
		return "", fmt.Errorf("%w: unexpected answer %q", ErrUnavailable, raw)
	}
	return code, nil
}

// targetURL expands the template. Templates with an {ip} placeholder need a public ip.
func (p *HTTPProvider) targetURL(ip string) (string, bool) {
	if !strings.Contains(p.template, ipPlaceholder) {
		return p.template, true
	}
	if !isPublicIP(ip) {
		return "", false
	}
	return strings.ReplaceAll(p.template, ipPlaceholder, url.PathEscape(strings.TrimSpace(ip))), true
}

func (p *HTTPProvider) extractField(body []byte) (string, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	value, ok := payload[p.field].(string)
	if !ok {
		return "", fmt.Errorf("%w: field %q missing", ErrUnavailable, p.field)
	}
	return value, nil
}
