package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/log"
)

// rejectedError marks responses that fault the request, not the
// service: 4xx statuses and undecodable bodies. They stop the retry
// loop and do not count against the circuit breaker.
type rejectedError struct {
	err error
}

func (e *rejectedError) Error() string { return e.err.Error() }
func (e *rejectedError) Unwrap() error { return e.err }

func isRejected(err error) bool {
	var rej *rejectedError
	return errors.As(err, &rej)
}

// report is the wire form of an evaluator response.
type report struct {
	CodeQuality  float64        `json:"code_quality"`
	Completeness float64        `json:"completeness"`
	Security     float64        `json:"security"`
	Architecture *float64       `json:"architecture,omitempty"`
	Testability  *float64       `json:"testability,omitempty"`
	OverallScore float64        `json:"overall_score"`
	Details      map[string]any `json:"details,omitempty"`
}

// Client calls a remote evaluator over HTTP. Transient failures retry
// with exponential backoff inside a circuit breaker, so a dead service
// costs one fast error per call instead of a timeout storm; 4xx
// responses are permanent and neither retry nor trip the breaker.
type Client struct {
	url     string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger

	maxRetries    uint64
	retryInterval time.Duration
}

var _ Evaluator = (*Client)(nil)

// NewClient creates a Client for cfg.URL. Use Disabled when the URL is
// empty.
func NewClient(cfg config.EvaluationConfig, logger *slog.Logger) *Client {
	clog := log.ForComponent(logger, "evaluator")
	return &Client{
		url:  cfg.URL,
		http: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "evaluator",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				// Rejected payloads mean the service is alive.
				return err == nil || isRejected(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				clog.Warn("evaluator breaker state changed", "from", from.String(), "to", to.String())
			},
		}),
		log:           clog,
		maxRetries:    3,
		retryInterval: 500 * time.Millisecond,
	}
}

// Evaluate posts the request to the evaluator and maps its report onto
// an Evaluation row.
func (c *Client) Evaluate(ctx context.Context, req Request) (*domain.Evaluation, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode evaluation request: %w", err)
	}

	out, err := c.breaker.Execute(func() (any, error) {
		var rep *report
		expo := backoff.NewExponentialBackOff()
		expo.InitialInterval = c.retryInterval
		policy := backoff.WithContext(backoff.WithMaxRetries(expo, c.maxRetries), ctx)
		err := backoff.Retry(func() error {
			var rerr error
			rep, rerr = c.post(ctx, body)
			return rerr
		}, policy)
		return rep, err
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("evaluator unavailable: %w", err)
		}
		return nil, err
	}

	rep := out.(*report)
	if rep.OverallScore < 0 || rep.OverallScore > 10 {
		return nil, fmt.Errorf("evaluator returned an out-of-range score %v", rep.OverallScore)
	}

	eval := domain.NewEvaluation(req.SubtaskID, rep.OverallScore)
	eval.CodeQuality = rep.CodeQuality
	eval.Completeness = rep.Completeness
	eval.Security = rep.Security
	eval.Architecture = rep.Architecture
	eval.Testability = rep.Testability
	eval.Details = rep.Details
	return eval, nil
}

func (c *Client) post(ctx context.Context, body []byte) (*report, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(&rejectedError{err: fmt.Errorf("failed to build evaluation request: %w", err)})
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("evaluator request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("evaluator returned %s", resp.Status)
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, backoff.Permanent(&rejectedError{err: fmt.Errorf("evaluator rejected the request: %s: %s", resp.Status, detail)})
	}

	var rep report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return nil, backoff.Permanent(&rejectedError{err: fmt.Errorf("failed to decode evaluator response: %w", err)})
	}
	return &rep, nil
}
