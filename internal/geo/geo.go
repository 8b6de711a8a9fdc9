// Package geo resolves best-effort country codes for visitors. Every lookup is
// optional enrichment: failures fall through to the next provider and finally
// to Unknown.
package geo

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Unknown is the sentinel country code used when no provider can answer.
const Unknown = "unknown"

// ErrUnavailable is the typed "no answer" outcome of a provider.
var ErrUnavailable = errors.New("geo: country unavailable")

// Provider resolves the country for an IP address. An empty ip means "the caller's own address".
type Provider interface {
	Name() string
	Country(ctx context.Context, ip string) (string, error)
}

// Chain tries providers in order; the first success wins.
type Chain struct {
	providers []Provider
	logger    *zap.Logger
}

// NewChain returns a chain over the given providers. Nil providers are skipped.
func NewChain(logger *zap.Logger, providers ...Provider) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	kept := make([]Provider, 0, len(providers))
	for _, provider := range providers {
		if provider != nil {
			kept = append(kept, provider)
		}
	}
	return &Chain{providers: kept, logger: logger}
}

// Name identifies the chain in logs.
func (c *Chain) Name() string {
	names := make([]string, 0, len(c.providers))
	for _, provider := range c.providers {
		names = append(names, provider.Name())
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// Country returns the first provider answer, or ErrUnavailable when all fail.
func (c *Chain) Country(ctx context.Context, ip string) (string, error) {
	for _, provider := range c.providers {
		if ctx.Err() != nil {
			return "", ErrUnavailable
		}
		code, err := provider.Country(ctx, ip)
		if err == nil {
			if normalized, ok := normalizeCode(code); ok {
				return normalized, nil
			}
			err = ErrUnavailable
		}
		c.logger.Debug("geo provider unavailable",
			zap.String("provider", provider.Name()),
			zap.String("ip", ip),
			zap.Error(err))
	}
	return "", ErrUnavailable
}

// Lookup never fails: it returns Unknown when no provider answers.
func (c *Chain) Lookup(ctx context.Context, ip string) string {
	code, err := c.Country(ctx, ip)
	if err != nil {
		return Unknown
	}
	return code
}

// normalizeCode accepts ISO 3166-1 alpha-2 codes. XX and T1 are the
// "no country" and Tor markers some edges emit.
func normalizeCode(value string) (string, bool) {
	code := strings.ToUpper(strings.TrimSpace(value))
	if len(code) != 2 || code == "XX" || code == "T1" {
		return "", false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", false
		}
	}
	return code, true
}

// isPublicIP reports whether ip can be geolocated by a remote service.
func isPublicIP(value string) bool {
	ip := net.ParseIP(strings.TrimSpace(value))
	if ip == nil {
		return false
	}
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast())
}

type headersContextKey struct{}

// WithRequestHeaders stores inbound request headers for HeaderProvider.
func WithRequestHeaders(ctx context.Context, header http.Header) context.Context {
	return context.WithValue(ctx, headersContextKey{}, header.Clone())
}

// HeaderProvider reads a country code set by a trusted edge proxy, such as CF-IPCountry.
type HeaderProvider struct {
	header string
}

// NewHeaderProvider returns a provider for the named header, or nil when the name is blank.
func NewHeaderProvider(header string) *HeaderProvider {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}
	return &HeaderProvider{header: header}
}

func (p *HeaderProvider) Name() string {
	return "header:" + p.header
}

func (p *HeaderProvider) Country(ctx context.Context, _ string) (string, error) {
	header, ok := ctx.Value(headersContextKey{}).(http.Header)
	if !ok {
		return "", ErrUnavailable
	}
	code, valid := normalizeCode(header.Get(p.header))
	if !valid {
		return "", ErrUnavailable
	}
	return code, nil
}
