package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/smallbiznis/consentflow/internal/clock"
	"github.com/smallbiznis/consentflow/internal/config"
	obsmetrics "github.com/smallbiznis/consentflow/internal/observability/metrics"
	obstracing "github.com/smallbiznis/consentflow/internal/observability/tracing"
	tenantdomain "github.com/smallbiznis/consentflow/internal/tenant/domain"
	tokendomain "github.com/smallbiznis/consentflow/internal/token/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Client executes consent registry calls for a tenant. It attaches the
// current bearer token, forces exactly one token reset on an auth failure,
// and maps HTTP outcomes to typed errors. It never logs raw bearer tokens
// or unmasked recipients.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  tokendomain.Service
	policy  *config.PolicyHolder
	clock   clock.Clock
	log     *zap.Logger
}

type Params struct {
	fx.In

	Config config.Config
	Tokens tokendomain.Service
	Policy *config.PolicyHolder
	Clock  clock.Clock
	Log    *zap.Logger
}

func New(p Params) *Client {
	return &Client{
		baseURL: p.Config.Registry.BaseURL,
		http:    obstracing.WrapHTTPClient(&http.Client{Timeout: p.Config.Registry.HTTPTimeout}),
		tokens:  p.Tokens,
		policy:  p.Policy,
		clock:   p.Clock,
		log:     p.Log.Named("registry").With(zap.String("component", "registry_client")),
	}
}

// AddConsent submits one consent record synchronously.
func (c *Client) AddConsent(ctx context.Context, tenant *tenantdomain.Tenant, req ConsentRequest) (*AddConsentResponse, error) {
	var out AddConsentResponse
	path := fmt.Sprintf("/consents/%s/addConsent", tenant.IysCode)
	if err := c.do(ctx, tenant, "add_consent", http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddMultipleConsent submits up to MaxBatchSize records as one asynchronous
// batch. The registry acknowledges with a requestId to poll later.
func (c *Client) AddMultipleConsent(ctx context.Context, tenant *tenantdomain.Tenant, reqs []ConsentRequest) (*BatchAccepted, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	if len(reqs) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds registry cap of %d", len(reqs), MaxBatchSize)
	}
	var out BatchAccepted
	path := fmt.Sprintf("/consents/%s/addMultipleConsent", tenant.IysCode)
	if err := c.do(ctx, tenant, "add_multiple_consent", http.MethodPost, path, reqs, &out); err != nil {
		return nil, err
	}
	if out.RequestID == "" {
		return nil, &APIError{StatusCode: http.StatusOK, Code: "missing_request_id", Message: "registry accepted batch without a requestId"}
	}
	return &out, nil
}

// QueryBatchRequest polls the outcome of a previously submitted batch.
func (c *Client) QueryBatchRequest(ctx context.Context, tenant *tenantdomain.Tenant, requestID string) (*BatchStatusResponse, error) {
	var out BatchStatusResponse
	path := fmt.Sprintf("/consents/%s/queryMultipleConsentRequest/%s", tenant.IysCode, requestID)
	if err := c.do(ctx, tenant, "query_batch_request", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryConsent reads the registry's current record for one recipient.
func (c *Client) QueryConsent(ctx context.Context, tenant *tenantdomain.Tenant, query ConsentQuery) (*QueryConsentResponse, error) {
	var out QueryConsentResponse
	path := fmt.Sprintf("/consents/%s/queryConsent", tenant.IysCode)
	if err := c.do(ctx, tenant, "query_consent", http.MethodPost, path, query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryMultipleConsent reads the registry's current records for a set of
// recipients in one call. The response list is positionally aligned with
// the query list.
func (c *Client) QueryMultipleConsent(ctx context.Context, tenant *tenantdomain.Tenant, queries []ConsentQuery) ([]QueryConsentResponse, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	var out queryMultipleResponse
	path := fmt.Sprintf("/consents/%s/queryMultipleConsent", tenant.IysCode)
	if err := c.do(ctx, tenant, "query_multiple_consent", http.MethodPost, path, queries, &out); err != nil {
		return nil, err
	}
	return out.List, nil
}

func (c *Client) do(ctx context.Context, tenant *tenantdomain.Tenant, operation, method, path string, body, out any) error {
	metrics := obsmetrics.Pipeline()

	token, err := c.tokens.GetToken(ctx, tenant.ID, false)
	if err != nil {
		metrics.IncRegistryCall(operation, "token_error")
		return err
	}

	status, respBody, err := c.execute(ctx, method, path, token.AccessToken, body)
	if err != nil {
		metrics.IncRegistryCall(operation, "transport_error")
		return err
	}

	// One forced token reset, one retry. Anything after that is the
	// caller's problem on the next scheduled run.
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.log.Warn("registry auth failure, forcing token reset",
			zap.Int64("tenant_id", int64(tenant.ID)),
			zap.String("operation", operation),
			zap.Int("status", status),
		)
		token, err = c.tokens.GetToken(ctx, tenant.ID, true)
		if err != nil {
			metrics.IncRegistryCall(operation, "token_error")
			return err
		}
		status, respBody, err = c.execute(ctx, method, path, token.AccessToken, body)
		if err != nil {
			metrics.IncRegistryCall(operation, "transport_error")
			return err
		}
	}

	switch {
	case status >= 200 && status < 300:
		metrics.IncRegistryCall(operation, "ok")
		if out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode registry response: %w", err)
		}
		return nil

	case status == http.StatusTooManyRequests:
		metrics.IncRegistryCall(operation, "rate_limited")
		until := c.haltWindow(respBody)
		if err := c.tokens.Halt(ctx, tenant.ID, until); err != nil {
			c.log.Error("failed to persist halt window", zap.Int64("tenant_id", int64(tenant.ID)), zap.Error(err))
		}
		return &tokendomain.RateLimitedError{TenantID: tenant.ID, HaltedUntil: until}

	case status == http.StatusUnprocessableEntity:
		metrics.IncRegistryCall(operation, "validation_error")
		return parseValidationError(respBody)

	default:
		metrics.IncRegistryCall(operation, "api_error")
		apiErr := parseAPIError(status, respBody)
		c.log.Warn("registry call failed",
			zap.Int64("tenant_id", int64(tenant.ID)),
			zap.String("operation", operation),
			zap.Int("status", status),
			zap.String("code", apiErr.Code),
		)
		return apiErr
	}
}

func (c *Client) execute(ctx context.Context, method, path, accessToken string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// haltWindow derives the cool-down end from a 429 body or Retry-After-style
// hint; without a hint the policy default applies.
func (c *Client) haltWindow(body []byte) time.Time {
	now := c.clock.Now()
	var hint struct {
		RetryAfter int64 `json:"retryAfter"`
	}
	if err := json.Unmarshal(body, &hint); err == nil && hint.RetryAfter > 0 {
		return now.Add(time.Duration(hint.RetryAfter) * time.Second)
	}
	return now.Add(time.Duration(c.policy.Get().DefaultHaltSeconds) * time.Second)
}

func parseValidationError(body []byte) error {
	var wrapped struct {
		Errors []ItemError `json:"errors"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.Errors) > 0 {
		return &ValidationError{Items: wrapped.Errors}
	}
	var items []ItemError
	if err := json.Unmarshal(body, &items); err == nil && len(items) > 0 {
		return &ValidationError{Items: items}
	}
	return &ValidationError{Items: []ItemError{{Index: 0, Code: strconv.Itoa(http.StatusUnprocessableEntity), Message: "unparseable validation payload"}}}
}

func parseAPIError(status int, body []byte) *APIError {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)
	if payload.Code == "" {
		payload.Code = strconv.Itoa(status)
	}
	return &APIError{StatusCode: status, Code: payload.Code, Message: payload.Message}
}
