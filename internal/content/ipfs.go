package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jogardn/chainfood/internal/circuitbreaker"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPinURL         = "https://api.pinata.cloud/pinning/pinJSONToIPFS"
	DefaultGatewayTimeout = 10 * time.Second

	// MaxBlobSize bounds pinned and fetched blobs.
	MaxBlobSize = 4 << 20
)

var DefaultGateways = []string{
	"https://gateway.pinata.cloud/ipfs/",
	"https://ipfs.io/ipfs/",
	"https://cloudflare-ipfs.com/ipfs/",
	"https://dweb.link/ipfs/",
}

// errAbsent is a gateway saying the hash is unknown to it. It does not count
// against the gateway's breaker.
var errAbsent = errors.New("absent at gateway")

type IPFSConfig struct {
	PinURL    string
	JWT       string
	APIKey    string
	APISecret string
	// Gateways are URL prefixes tried in order; the hash is appended.
	Gateways       []string
	GatewayTimeout time.Duration
}

// IPFSStore pins through Pinata and reads through a prioritized list of
// public gateways, each behind its own circuit breaker.
type IPFSStore struct {
	config     IPFSConfig
	httpClient *http.Client
	breakers   *circuitbreaker.Manager
	logger     *logrus.Logger
}

func NewIPFSStore(config IPFSConfig, logger *logrus.Logger) *IPFSStore {
	if config.PinURL == "" {
		config.PinURL = DefaultPinURL
	}
	if len(config.Gateways) == 0 {
		config.Gateways = DefaultGateways
	}
	if config.GatewayTimeout <= 0 {
		config.GatewayTimeout = DefaultGatewayTimeout
	}

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		MaxFailures: 3,
		Timeout:     30 * time.Second,
		IsFailure: func(err error) bool {
			return !errors.Is(err, errAbsent) && !errors.Is(err, ErrTooLarge)
		},
	}, logger)

	return &IPFSStore{
		config:     config,
		httpClient: &http.Client{},
		breakers:   breakers,
		logger:     logger,
	}
}

func (s *IPFSStore) Breakers() []circuitbreaker.Counts {
	return s.breakers.Snapshot()
}

func (s *IPFSStore) configured() bool {
	return s.config.JWT != "" || (s.config.APIKey != "" && s.config.APISecret != "")
}

type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
}

func (s *IPFSStore) Put(ctx context.Context, blob json.RawMessage) (string, error) {
	if !s.configured() {
		return "", fmt.Errorf("%w: pinning credentials are not configured", ErrStoreUnavailable)
	}
	if len(blob) > MaxBlobSize {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(blob), MaxBlobSize)
	}
	if !json.Valid(blob) {
		return "", fmt.Errorf("content must be valid JSON")
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.PinURL, bytes.NewReader(blob))
	if err != nil {
		return "", fmt.Errorf("failed to create pin request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.JWT != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.JWT)
	} else {
		req.Header.Set("pinata_api_key", s.config.APIKey)
		req.Header.Set("pinata_secret_api_key", s.config.APISecret)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("%w: pin returned %d: %s", ErrStoreUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var pinned pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&pinned); err != nil || pinned.IpfsHash == "" {
		return "", fmt.Errorf("%w: malformed pin response", ErrStoreUnavailable)
	}

	s.logger.WithFields(logrus.Fields{
		"hash": pinned.IpfsHash,
		"size": len(blob),
	}).Info("Content pinned")

	return pinned.IpfsHash, nil
}

// Get tries each gateway in order. It returns ErrNotFound only when the hash
// is a placeholder or every gateway answered that the hash is absent.
func (s *IPFSStore) Get(ctx context.Context, hash string) (json.RawMessage, error) {
	if hash == "" {
		return nil, fmt.Errorf("%w: empty hash", ErrNotFound)
	}
	if IsPlaceholder(hash) {
		return nil, fmt.Errorf("%w: %s is a placeholder hash, re-upload the data", ErrNotFound, hash)
	}

	absent := 0
	var lastErr error
	for _, gateway := range s.config.Gateways {
		blob, err := s.fetch(ctx, gateway, hash)
		if err == nil {
			return blob, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}

		if errors.Is(err, errAbsent) {
			absent++
		}
		lastErr = err
		s.logger.WithError(err).WithFields(logrus.Fields{
			"gateway": gateway,
			"hash":    hash,
		}).Warn("Gateway fetch failed")
	}

	if absent == len(s.config.Gateways) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return nil, fmt.Errorf("%w: all gateways failed for %s: %v", ErrStoreUnavailable, hash, lastErr)
}

func (s *IPFSStore) fetch(ctx context.Context, gateway, hash string) (json.RawMessage, error) {
	var blob json.RawMessage

	err := s.breakers.Get(gateway).Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.config.GatewayTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, gateway+url.PathEscape(hash), nil)
		if err != nil {
			return err
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return errAbsent
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("gateway returned %d", resp.StatusCode)
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBlobSize+1))
		if err != nil {
			return err
		}
		if len(data) > MaxBlobSize {
			return fmt.Errorf("%w: %s serves more than %d bytes", ErrTooLarge, hash, MaxBlobSize)
		}
		if !json.Valid(data) {
			return fmt.Errorf("gateway returned invalid JSON")
		}
		blob = data
		return nil
	})

	return blob, err
}
