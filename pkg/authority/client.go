// Package authority implements the outbound client for the upstream
// identity service that is the source of truth for organizations, branches
// and access grants.
package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/perimeterhq/gatehouse/pkg/observability"
)

// Config holds Authority client settings.
type Config struct {
	// BaseURL is the Authority root, e.g. https://id.example.com
	BaseURL string
	// Timeout bounds every request including retries' individual attempts.
	Timeout time.Duration
	// MaxRetries is the number of additional attempts after a transport
	// failure. 4xx/5xx responses are never retried.
	MaxRetries int
	// ServiceSlug and ServiceSecret authenticate the /service/* variants.
	ServiceSlug   string
	ServiceSecret string
}

// DefaultConfig returns conservative client settings.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:    baseURL,
		Timeout:    5 * time.Second,
		MaxRetries: 2,
	}
}

// Client talks to the Authority over HTTP. All methods honor context
// cancellation and map response statuses onto the typed error taxonomy in
// errors.go.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	maxRetries    int
	serviceSlug   string
	serviceSecret string
	log           *logrus.Logger
	metrics       *observability.Metrics
}

// NewClient creates an Authority client. A nil logger gets a default one;
// metrics may be nil.
func NewClient(cfg Config, log *logrus.Logger, metrics *observability.Metrics) *Client {
	if log == nil {
		log = logrus.New()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:    &http.Client{Timeout: timeout},
		maxRetries:    cfg.MaxRetries,
		serviceSlug:   cfg.ServiceSlug,
		serviceSecret: cfg.ServiceSecret,
		log:           log,
		metrics:       metrics,
	}
}

// CheckAccess asks the Authority whether the bearer of token may operate in
// the organization identified by selector (external id or slug).
//
// A denied check (403) and an unknown organization (404) both return
// (nil, nil); callers treat a nil grant as "no access". Validation and auth
// failures return typed errors.
func (c *Client) CheckAccess(ctx context.Context, token, selector string) (*Grant, error) {
	var grant Grant
	err := c.get(ctx, token, "/sso/access", url.Values{"organization_slug": {selector}}, &grant)
	if err != nil {
		if k := KindOf(err); k == KindAccessDenied || k == KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &grant, nil
}

// ListOrganizations returns the organizations the token bearer belongs to.
// A 404 is an empty listing, not an error.
func (c *Client) ListOrganizations(ctx context.Context, token string) ([]OrgSummary, error) {
	var out []OrgSummary
	err := c.get(ctx, token, "/sso/organizations", nil, &out)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// ListBranches returns the branches of an organization, or nil when the
// Authority has none (404).
func (c *Client) ListBranches(ctx context.Context, token, selector string) ([]BranchRecord, error) {
	var out []BranchRecord
	err := c.get(ctx, token, "/sso/branches", url.Values{"organization_slug": {selector}}, &out)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// ListTeams returns the teams of an organization, or nil on 404.
func (c *Client) ListTeams(ctx context.Context, token, selector string) ([]TeamRecord, error) {
	var out []TeamRecord
	err := c.get(ctx, token, "/sso/teams", url.Values{"organization_slug": {selector}}, &out)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// ListLocations returns the locations of a branch, or nil on 404.
func (c *Client) ListLocations(ctx context.Context, token, selector, branchID string) ([]LocationRecord, error) {
	var out []LocationRecord
	q := url.Values{"organization_slug": {selector}, "branch_id": {branchID}}
	err := c.get(ctx, token, "/sso/locations", q, &out)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// ServiceCheckAccess is the service-credentialed variant of CheckAccess:
// it authenticates with the configured slug/secret pair instead of a user
// token and checks access on behalf of the given caller id.
func (c *Client) ServiceCheckAccess(ctx context.Context, callerID, selector string) (*Grant, error) {
	q := url.Values{"organization_slug": {selector}, "user_id": {callerID}}
	var grant Grant
	err := c.get(ctx, "", "/service/access", q, &grant)
	if err != nil {
		if k := KindOf(err); k == KindAccessDenied || k == KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &grant, nil
}

// ServiceListBranches is the service-credentialed variant of ListBranches.
func (c *Client) ServiceListBranches(ctx context.Context, selector string) ([]BranchRecord, error) {
	var out []BranchRecord
	err := c.get(ctx, "", "/service/branches", url.Values{"organization_slug": {selector}}, &out)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// get performs a GET with retry-on-transport-failure and decodes a 2xx body
// into out. A non-2xx status is mapped to a typed *Error and never retried.
func (c *Client) get(ctx context.Context, token, path string, query url.Values, out interface{}) (err error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	ctx, span := otel.Tracer("gatehouse/authority").Start(ctx, "authority.get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("authority.path", path)))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if c.metrics != nil {
			outcome := "ok"
			if err != nil {
				outcome = KindOf(err).String()
			}
			c.metrics.ObserveAuthority(path, outcome, time.Since(start))
		}
	}()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.log.WithFields(logrus.Fields{
				"path":    path,
				"attempt": attempt,
			}).Debug("retrying authority request")
			select {
			case <-ctx.Done():
				return &Error{Kind: KindTransport, Err: ctx.Err()}
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return &Error{Kind: KindTransport, Err: err}
		}
		c.authorize(req, token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = &Error{Kind: KindTransport, Err: err}
			if ctx.Err() != nil {
				return lastErr
			}
			continue
		}
		return c.decode(resp, out)
	}
	return lastErr
}

// authorize attaches either the bearer token or the service credential
// headers. Requests under /service/* never carry a bearer token.
func (c *Client) authorize(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		return
	}
	req.Header.Set("X-Service-Slug", c.serviceSlug)
	req.Header.Set("X-Service-Secret", c.serviceSecret)
}

func (c *Client) decode(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Kind: KindAPI, StatusCode: resp.StatusCode,
				Err: fmt.Errorf("decoding response: %w", err)}
		}
		return nil
	}

	apiErr := &Error{Kind: statusKind(resp.StatusCode), StatusCode: resp.StatusCode}
	var envelope errorEnvelope
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Code = envelope.Error
		apiErr.Message = envelope.Message
	}
	return apiErr
}
