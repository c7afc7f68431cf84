package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jogardn/chainfood/internal/circuitbreaker"
	"github.com/jogardn/chainfood/pkg/models"
	"github.com/sirupsen/logrus"
)

// HTTPClient talks to a ledger node over its HTTP API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	pollWait   time.Duration
	logger     *logrus.Logger
}

// ErrorBody is the JSON error payload of the ledger node API.
type ErrorBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type SubmitResponse struct {
	TxID string `json:"tx_id"`
}

// IsUnavailable reports whether err should trip the client's breaker.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func NewHTTPClient(baseURL string, breaker *circuitbreaker.CircuitBreaker, logger *logrus.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 40 * time.Second,
		},
		breaker:  breaker,
		pollWait: 10 * time.Second,
		logger:   logger,
	}
}

func (c *HTTPClient) Submit(ctx context.Context, call Call) (string, error) {
	var resp SubmitResponse
	if _, err := c.do(ctx, http.MethodPost, "/v1/tx", call, &resp); err != nil {
		return "", err
	}

	c.logger.WithFields(logrus.Fields{
		"tx_id":  resp.TxID,
		"method": call.Method,
	}).Debug("Transaction submitted to ledger node")

	return resp.TxID, nil
}

// Await long-polls the node until the receipt is final or ctx ends.
func (c *HTTPClient) Await(ctx context.Context, txID string) (Receipt, error) {
	path := "/v1/tx/" + url.PathEscape(txID) + "?wait=" + c.pollWait.String()
	for {
		var receipt Receipt
		if _, err := c.do(ctx, http.MethodGet, path, nil, &receipt); err != nil {
			return Receipt{}, err
		}
		if receipt.Final() {
			return receipt, nil
		}
		if err := ctx.Err(); err != nil {
			return receipt, err
		}
	}
}

func (c *HTTPClient) Read(ctx context.Context, query Query, out interface{}) error {
	path := "/v1/state/" + url.PathEscape(query.Entity)
	if query.Key != "" {
		path += "/" + url.PathEscape(query.Key)
	}
	_, err := c.do(ctx, http.MethodGet, path, nil, out)
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	status := 0
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()
		status = resp.StatusCode

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
		}

		if resp.StatusCode >= http.StatusBadRequest {
			var errBody ErrorBody
			_ = json.Unmarshal(data, &errBody)
			if errBody.Code == "" {
				return fmt.Errorf("%w: ledger node returned %d: %s", ErrUnavailable, resp.StatusCode, errBody.Message)
			}
			return models.ErrorFromCode(errBody.Code, errBody.Message)
		}

		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode ledger node response: %w", err)
		}
		return nil
	})

	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"method": method,
			"path":   path,
			"status": status,
		}).Debug("Ledger node request failed")
	}
	return status, err
}
