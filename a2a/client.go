package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/config"
	"github.com/agentmesh/agentmesh/types"
)

// Resolver maps an agent ID to its registry entry. The local Registry
// satisfies this.
type Resolver interface {
	Get(ctx context.Context, agentID string) (*types.Agent, error)
}

// cardCacheTTL bounds how long a discovered agent card is served from cache.
const cardCacheTTL = 5 * time.Minute

type cachedCard struct {
	card      *types.AgentCard
	fetchedAt time.Time
}

// Client makes authenticated, retried, trace-propagating calls to peer
// agents. Transport failures, 5xx, and 429 are retried with exponential
// backoff; every other failure surfaces immediately.
type Client struct {
	http     *http.Client
	resolver Resolver
	cfg      config.ClientConfig
	token    string
	logger   *zap.Logger

	mu    sync.Mutex
	cards map[string]cachedCard
}

// NewClient builds a client that authenticates as the holder of authToken.
func NewClient(cfg config.ClientConfig, resolver Resolver, authToken string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:     &http.Client{Timeout: cfg.Timeout},
		resolver: resolver,
		cfg:      cfg,
		token:    authToken,
		logger:   logger.With(zap.String("component", "client")),
		cards:    make(map[string]cachedCard),
	}
}

// clientEnvelope mirrors the wire envelope with the data half deferred so
// each call site can decode its own payload type.
type clientEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorInfo      `json:"error"`
}

// SendMessage submits a message to a peer, creating a task there when
// req.TaskID is empty.
func (c *Client) SendMessage(ctx context.Context, agentID string, req *SendMessageRequest) (*SendMessageResponse, error) {
	var out SendMessageResponse
	if err := c.call(ctx, agentID, http.MethodPost, PathSendMessage, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask fetches a task with its full message history from a peer.
func (c *Client) GetTask(ctx context.Context, agentID, taskID string) (*types.Task, error) {
	var out types.Task
	if err := c.call(ctx, agentID, http.MethodGet, PathTasks+"/"+url.PathEscape(taskID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks fetches the peer's tasks, optionally filtered by query values
// (state, priority, limit, offset).
func (c *Client) ListTasks(ctx context.Context, agentID string, query url.Values) ([]types.Task, error) {
	path := PathTasks
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var out []types.Task
	if err := c.call(ctx, agentID, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelTask cancels a task on a peer. Safe to repeat.
func (c *Client) CancelTask(ctx context.Context, agentID, taskID string) (*CancelResponse, error) {
	var out CancelResponse
	path := PathTasks + "/" + url.PathEscape(taskID) + "/cancel"
	if err := c.call(ctx, agentID, http.MethodPost, path, struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Discover fetches a peer's agent card, serving a cached copy when it is
// younger than cardCacheTTL.
func (c *Client) Discover(ctx context.Context, agentID string) (*types.AgentCard, error) {
	c.mu.Lock()
	if cached, ok := c.cards[agentID]; ok && time.Since(cached.fetchedAt) < cardCacheTTL {
		c.mu.Unlock()
		return cached.card, nil
	}
	c.mu.Unlock()

	var card types.AgentCard
	if err := c.call(ctx, agentID, http.MethodGet, PathAgentCard, nil, &card); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cards[agentID] = cachedCard{card: &card, fetchedAt: time.Now()}
	c.mu.Unlock()
	return &card, nil
}

// call resolves the peer, performs the request with retries, and decodes
// the envelope's data into out (when out is non-nil).
func (c *Client) call(ctx context.Context, agentID, method, path string, body, out any) error {
	agent, err := c.resolver.Get(ctx, agentID)
	if err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return types.NewError(types.ErrInternalError, "encode request body").WithCause(err)
		}
	}

	env, err := c.doWithRetry(ctx, method, agent.BaseURL+path, payload)
	if err != nil {
		return err
	}

	if out != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
	}
	return nil
}

// doWithRetry runs one logical request through up to 1+MaxRetries attempts.
// Only transport failures and retryable statuses re-enter the loop; the
// last error surfaces once attempts are exhausted.
func (c *Client) doWithRetry(ctx context.Context, method, fullURL string, payload []byte) (*clientEnvelope, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			c.logger.Debug("retrying request",
				zap.String("url", fullURL),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		env, err := c.doOnce(ctx, method, fullURL, payload)
		if err == nil {
			return env, nil
		}
		lastErr = err
		if !types.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// doOnce performs a single attempt: bearer auth, trace injection, status
// classification, envelope decode.
func (c *Client) doOnce(ctx context.Context, method, fullURL string, payload []byte) (*clientEnvelope, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "build request").WithCause(err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrUnavailable, "request failed").
			WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, types.NewError(types.ErrUnavailable, "read response").
			WithCause(err).WithRetryable(true)
	}

	if err := classifyStatus(resp, raw); err != nil {
		return nil, err
	}

	var env clientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if !env.Success {
		return nil, envelopeError(env.Error)
	}
	return &env, nil
}

// classifyStatus maps HTTP status codes to the error taxonomy. Only 5xx and
// 429 are retryable; an auth rejection means the token is wrong and retrying
// cannot help.
func classifyStatus(resp *http.Response, raw []byte) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		return types.NewError(types.ErrAuthFailed, "peer rejected credentials").
			WithHTTPStatus(code)
	case code == http.StatusTooManyRequests:
		e := types.NewError(types.ErrRateLimited, "peer rate limited the request").
			WithHTTPStatus(code).WithRetryable(true)
		if ra, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			e = e.WithRetryAfter(ra)
		}
		return e
	case code >= 500:
		return types.NewError(types.ErrUnavailable,
			fmt.Sprintf("peer returned %d", code)).
			WithHTTPStatus(code).WithRetryable(true)
	default:
		var env clientEnvelope
		if err := json.Unmarshal(raw, &env); err == nil && env.Error != nil {
			return envelopeError(env.Error).WithHTTPStatus(code)
		}
		return types.NewError(types.ErrInternalError,
			fmt.Sprintf("peer returned %d", code)).WithHTTPStatus(code)
	}
}

// envelopeError rebuilds a typed error from the peer's error envelope.
func envelopeError(info *ErrorInfo) *types.Error {
	if info == nil {
		return types.NewError(types.ErrInternalError, "peer reported failure without detail")
	}
	e := types.NewError(types.ErrorCode(info.Code), info.Message)
	if info.RetryAfter > 0 {
		e = e.WithRetryAfter(info.RetryAfter)
	}
	return e
}

// backoff computes the delay before the given attempt: exponential doubling
// from the initial delay, capped, with ±25% jitter so synchronized retries
// spread out.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.MaxDelay {
			d = c.cfg.MaxDelay
			break
		}
	}
	if d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	jitter := 1 + (rand.Float64()*0.5 - 0.25)
	return time.Duration(float64(d) * jitter)
}
