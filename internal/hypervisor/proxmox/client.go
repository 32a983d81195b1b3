// Package proxmox implements the hypervisor contract against the Proxmox VE
// REST API (https://pve.proxmox.com/pve-docs/api-viewer/).
//
// Authentication uses an API token. Mutating calls return a task id (UPID)
// which is polled until the task stops.
package proxmox

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jbweber/autospawn/internal/config"
	"github.com/jbweber/autospawn/internal/hypervisor"
)

// Driver connects to a single Proxmox node.
type Driver struct {
	baseURL        string
	auth           string
	node           string
	requestTimeout time.Duration
	pollInterval   time.Duration
	taskTimeout    time.Duration
	httpClient     *http.Client
	logger         *zap.Logger
}

// New builds a Driver from configuration. It does not contact the API.
// requestTimeout bounds each HTTP request; task waits are bounded by
// cfg.TaskTimeout instead.
func New(cfg config.ProxmoxConfig, requestTimeout time.Duration, logger *zap.Logger) (*Driver, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %s: %w", cfg.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.InsecureSkipVerify {
		logger.Warn("TLS certificate verification is disabled for the Proxmox API", zap.String("host", cfg.Host))
		tlsConfig.InsecureSkipVerify = true //nolint:gosec // explicit opt-in
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	return newDriver(
		fmt.Sprintf("https://%s:%d/api2/json", cfg.Host, cfg.Port),
		cfg,
		requestTimeout,
		&http.Client{Transport: transport},
		logger,
	), nil
}

func newDriver(baseURL string, cfg config.ProxmoxConfig, requestTimeout time.Duration, httpClient *http.Client, logger *zap.Logger) *Driver {
	return &Driver{
		baseURL:        strings.TrimRight(baseURL, "/"),
		auth:           fmt.Sprintf("PVEAPIToken=%s!%s=%s", cfg.User, cfg.TokenName, cfg.TokenValue),
		node:           cfg.Node,
		requestTimeout: requestTimeout,
		pollInterval:   cfg.TaskPollInterval,
		taskTimeout:    cfg.TaskTimeout,
		httpClient:     httpClient,
		logger:         logger,
	}
}

// Connect verifies the API is reachable and the token is accepted.
func (d *Driver) Connect(ctx context.Context) (hypervisor.Session, error) {
	var version struct {
		Version string `json:"version"`
		Release string `json:"release"`
	}
	if err := d.do(ctx, http.MethodGet, "/version", nil, &version); err != nil {
		return nil, fmt.Errorf("failed to reach proxmox API: %w", err)
	}
	d.logger.Debug("connected to proxmox", zap.String("version", version.Version), zap.String("node", d.node))
	return &session{d: d}, nil
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("proxmox API: %d %s", e.StatusCode, e.Message)
}

// Is maps "does not exist" responses onto hypervisor.ErrNotFound.
// Proxmox answers 500 rather than 404 for a missing VM config.
func (e *APIError) Is(target error) bool {
	if target != hypervisor.ErrNotFound {
		return false
	}
	return e.StatusCode == http.StatusNotFound || strings.Contains(e.Message, "does not exist")
}

// do performs one API call under the request timeout. form is sent
// url-encoded for POST/PUT and as the query string otherwise. out receives
// the "data" member of the response.
func (d *Driver) do(ctx context.Context, method, path string, form url.Values, out any) error {
	if d.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.requestTimeout)
		defer cancel()
	}

	u := d.baseURL + path
	var body io.Reader
	if len(form) > 0 {
		if method == http.MethodPost || method == http.MethodPut {
			body = strings.NewReader(form.Encode())
		} else {
			u += "?" + form.Encode()
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", d.auth)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%s %s: failed to read response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: %w", method, path, &APIError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp.Status, raw),
		})
	}

	if out == nil {
		return nil
	}
	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%s %s: failed to decode data: %w", method, path, err)
	}
	return nil
}

// errorMessage extracts the most useful text from an error response.
// Proxmox puts the reason in the status line and parameter errors in "errors".
func errorMessage(status string, raw []byte) string {
	msg := status
	if _, reason, ok := strings.Cut(status, " "); ok {
		msg = reason
	}

	var body struct {
		Message string            `json:"message"`
		Errors  map[string]string `json:"errors"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			msg = strings.TrimSpace(body.Message)
		}
		for _, k := range slices.Sorted(maps.Keys(body.Errors)) {
			msg += fmt.Sprintf("; %s: %s", k, strings.TrimSpace(body.Errors[k]))
		}
	}
	return msg
}

var _ hypervisor.Driver = (*Driver)(nil)
