// Package agent talks to the download agent that performs acquisitions.
//
// Two backends are supported, qBittorrent (Web API v2) and Transmission
// (RPC). Harvest tags every transfer it creates with a label derived from
// the record id so transfers can be matched back to records later.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/abelbrown/harvest/internal/config"
)

var (
	// ErrAddRejected is returned when the agent answers but refuses an add.
	ErrAddRejected = errors.New("agent rejected add")

	// ErrTransferNotFound is returned by Remove when no transfer carries the label.
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrAuth is returned when the agent refuses the configured credentials.
	ErrAuth = errors.New("agent authentication failed")
)

// labelPrefix marks transfers created by harvest.
const labelPrefix = "harvest-"

// LabelFor returns the agent label for a record id.
func LabelFor(id string) string {
	return labelPrefix + id
}

// RecordID extracts the record id from a label created by LabelFor.
func RecordID(label string) (string, bool) {
	id, ok := strings.CutPrefix(label, labelPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// AddRequest asks the agent to start one acquisition.
type AddRequest struct {
	SourceLink  string
	Destination string
	Label       string
}

// Transfer is the agent's view of one acquisition.
type Transfer struct {
	Hash      string
	Name      string
	Label     string // "" when not created by harvest
	Progress  float64
	State     string
	Done      bool
	Errored   bool
	SizeBytes int64
}

// Agent is the acquisition collaborator.
type Agent interface {
	Name() string
	Add(ctx context.Context, req AddRequest) error
	List(ctx context.Context) ([]Transfer, error)
	Remove(ctx context.Context, label string, purgeFiles bool) error
}

// New constructs the agent named by cfg.Type. No network traffic happens
// until the first call.
func New(cfg config.AgentConfig) (Agent, error) {
	switch cfg.Type {
	case config.AgentQBittorrent:
		return NewQBittorrent(cfg), nil
	case config.AgentTransmission:
		return NewTransmission(cfg), nil
	}
	return nil, fmt.Errorf("unknown agent type %q", cfg.Type)
}

// FindByLabel returns the transfer carrying label.
func FindByLabel(transfers []Transfer, label string) (Transfer, bool) {
	for _, t := range transfers {
		if t.Label == label {
			return t, true
		}
	}
	return Transfer{}, false
}

// lister is the part of Agent needed to recognise an earlier add.
type lister interface {
	List(ctx context.Context) ([]Transfer, error)
}

// alreadyHeld reports whether the agent already has a transfer carrying
// label. An add that was accepted before its record could be saved comes
// back as a duplicate; that duplicate counts as accepted.
func alreadyHeld(ctx context.Context, a lister, label string) bool {
	if label == "" {
		return false
	}
	transfers, err := a.List(ctx)
	if err != nil {
		return false
	}
	_, ok := FindByLabel(transfers, label)
	return ok
}

// httpClient is the throttled transport shared by both backends.
type httpClient struct {
	client  *http.Client
	limiter *rate.Limiter
}

func newHTTPClient(cfg config.AgentConfig, jar http.CookieJar) httpClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return httpClient{
		client:  &http.Client{Timeout: timeout, Jar: jar},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// do waits for the limiter, sends req and returns the status and body.
func (c httpClient) do(ctx context.Context, req *http.Request) (int, http.Header, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, nil, fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return 0, nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return resp.StatusCode, resp.Header, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}
