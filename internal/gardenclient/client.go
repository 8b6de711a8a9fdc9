// Package gardenclient talks to a garden-api server. Client implements
// garden.Store over HTTP so the admission gate can run on the visitor's side.
package gardenclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/The777Bot/visitor-garden/internal/garden"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxErrorBodySize      = 4 * 1024
)

var errMissingBaseURL = errors.New("gardenclient: base url required")

// StatusError reports a non-2xx response.
type StatusError struct {
	Status int
	Reason string
	Code   string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gardenclient: status %d: %s (%s)", e.Status, e.Reason, e.Code)
	}
	return fmt.Sprintf("gardenclient: status %d: %s", e.Status, e.Reason)
}

// Config wires a client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is a garden.Store backed by the garden-api HTTP interface.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *zap.Logger
}

var _ garden.Store = (*Client)(nil)

// New validates the base URL and returns a client.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("gardenclient: invalid base url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("gardenclient: unsupported scheme %q", baseURL.Scheme)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, logger: logger}, nil
}

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type visitorUpdatePayload struct {
	HasPlanted  *bool  `json:"hasPlanted,omitempty"`
	CountryCode string `json:"countryCode,omitempty"`
}

type claimPayload struct {
	CountryCode string `json:"countryCode,omitempty"`
}

type plantingPayload struct {
	X           int    `json:"x"`
	Y           int    `json:"y"`
	Type        int    `json:"type"`
	VisitorID   string `json:"visitorId"`
	CountryCode string `json:"countryCode,omitempty"`
}

type snapshotPayload struct {
	Plantings []garden.PlantingDocument `json:"plantings"`
}

type fieldPayload struct {
	Width   int `json:"width"`
	Height  int `json:"height"`
	Padding int `json:"padding"`
}

func (c *Client) GetVisitor(ctx context.Context, visitorID string) (garden.Visitor, error) {
	id, err := garden.NewVisitorID(visitorID)
	if err != nil {
		return garden.Visitor{}, err
	}
	var document garden.VisitorDocument
	err = c.do(ctx, http.MethodGet, visitorPath(id), nil, &document)
	if isStatus(err, http.StatusNotFound) {
		return garden.Visitor{}, garden.ErrVisitorNotFound
	}
	if err != nil {
		return garden.Visitor{}, err
	}
	return document.Visitor(), nil
}

func (c *Client) UpsertVisitor(ctx context.Context, update garden.VisitorUpdate) (garden.Visitor, error) {
	id, err := garden.NewVisitorID(update.VisitorID)
	if err != nil {
		return garden.Visitor{}, err
	}
	var document garden.VisitorDocument
	body := visitorUpdatePayload{HasPlanted: update.HasPlanted, CountryCode: update.CountryCode}
	if err := c.do(ctx, http.MethodPut, visitorPath(id), body, &document); err != nil {
		return garden.Visitor{}, err
	}
	return document.Visitor(), nil
}

func (c *Client) ClaimVisitor(ctx context.Context, visitorID, countryCode string) (garden.Visitor, error) {
	id, err := garden.NewVisitorID(visitorID)
	if err != nil {
		return garden.Visitor{}, err
	}
	var document garden.VisitorDocument
	err = c.do(ctx, http.MethodPost, visitorPath(id)+"/claim", claimPayload{CountryCode: countryCode}, &document)
	if isStatus(err, http.StatusConflict) {
		return garden.Visitor{}, garden.ErrAlreadyPlanted
	}
	if err != nil {
		return garden.Visitor{}, err
	}
	return document.Visitor(), nil
}

func (c *Client) ReleaseVisitor(ctx context.Context, visitorID string) error {
	id, err := garden.NewVisitorID(visitorID)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, visitorPath(id)+"/release", nil, nil)
}

func (c *Client) CreatePlanting(ctx context.Context, draft garden.PlantingDraft) (garden.Planting, error) {
	var document garden.PlantingDocument
	body := plantingPayload{
		X:           draft.X,
		Y:           draft.Y,
		Type:        int(draft.Kind),
		VisitorID:   draft.VisitorID,
		CountryCode: draft.CountryCode,
	}
	err := c.do(ctx, http.MethodPost, "/plantings", body, &document)
	if isStatus(err, http.StatusBadRequest) {
		return garden.Planting{}, fmt.Errorf("%w: %v", garden.ErrInvalidPlanting, err)
	}
	if err != nil {
		return garden.Planting{}, err
	}
	return document.Planting(), nil
}

func (c *Client) ListPlantings(ctx context.Context) ([]garden.Planting, error) {
	var snapshot snapshotPayload
	if err := c.do(ctx, http.MethodGet, "/plantings", nil, &snapshot); err != nil {
		return nil, err
	}
	return garden.PlantingsFromDocuments(snapshot.Plantings), nil
}

// Field fetches the server's field geometry.
func (c *Client) Field(ctx context.Context) (garden.Field, error) {
	var payload fieldPayload
	if err := c.do(ctx, http.MethodGet, "/field", nil, &payload); err != nil {
		return garden.Field{}, err
	}
	return garden.Field{Width: payload.Width, Height: payload.Height, Padding: payload.Padding}, nil
}

// Stats fetches server-derived statistics with up to recent newest plantings.
func (c *Client) Stats(ctx context.Context, recent int) (garden.StatsDocument, error) {
	path := "/stats"
	if recent > 0 {
		path += "?recent=" + strconv.Itoa(recent)
	}
	var document garden.StatsDocument
	if err := c.do(ctx, http.MethodGet, path, nil, &document); err != nil {
		return garden.StatsDocument{}, err
	}
	return document, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gardenclient: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return fmt.Errorf("gardenclient: build request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Debug("garden request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return fmt.Errorf("gardenclient: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return decodeStatusError(response)
	}
	if out == nil || response.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("gardenclient: decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + path
}

func decodeStatusError(response *http.Response) error {
	statusErr := &StatusError{Status: response.StatusCode, Reason: http.StatusText(response.StatusCode)}
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodySize))
	var payload errorPayload
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		statusErr.Reason = payload.Error
		statusErr.Code = payload.Code
	}
	return statusErr
}

func isStatus(err error, status int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Status == status
}

func visitorPath(visitorID string) string {
	return "/visitors/" + url.PathEscape(visitorID)
}
