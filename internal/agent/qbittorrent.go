package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/abelbrown/harvest/internal/config"
)

// QBittorrent drives qBittorrent through its Web API v2.
// Login happens lazily and is repeated when the session cookie expires.
type QBittorrent struct {
	base      string
	username  string
	password  string
	transport httpClient

	mu       sync.Mutex
	loggedIn bool
}

// qbitTorrent is one entry of /api/v2/torrents/info.
type qbitTorrent struct {
	Hash     string  `json:"hash"`
	Name     string  `json:"name"`
	Tags     string  `json:"tags"`
	Progress float64 `json:"progress"`
	State    string  `json:"state"`
	Size     int64   `json:"size"`
}

var qbitDoneStates = map[string]bool{
	"uploading": true, "stalledUP": true, "pausedUP": true, "stoppedUP": true,
	"queuedUP": true, "forcedUP": true, "checkingUP": true,
}

var qbitErrorStates = map[string]bool{
	"error": true, "missingFiles": true,
}

// NewQBittorrent returns a client for cfg.URL.
func NewQBittorrent(cfg config.AgentConfig) *QBittorrent {
	jar, _ := cookiejar.New(nil) // never fails with nil options
	return &QBittorrent{
		base:      strings.TrimRight(cfg.URL, "/"),
		username:  cfg.Username,
		password:  cfg.Password,
		transport: newHTTPClient(cfg, jar),
	}
}

// Name implements Agent.
func (q *QBittorrent) Name() string { return config.AgentQBittorrent }

func (q *QBittorrent) login(ctx context.Context) error {
	form := url.Values{"username": {q.username}, "password": {q.password}}
	req, err := http.NewRequest(http.MethodPost, q.base+"/api/v2/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("qbittorrent: build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", q.base)

	status, _, body, err := q.transport.do(ctx, req)
	if err != nil {
		return fmt.Errorf("qbittorrent: login: %w", err)
	}
	if status != http.StatusOK || strings.TrimSpace(string(body)) != "Ok." {
		return fmt.Errorf("%w: qbittorrent login: status %d: %s", ErrAuth, status, strings.TrimSpace(string(body)))
	}
	return nil
}

func (q *QBittorrent) ensureLogin(ctx context.Context, force bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.loggedIn && !force {
		return nil
	}
	q.loggedIn = false
	if err := q.login(ctx); err != nil {
		return err
	}
	q.loggedIn = true
	return nil
}

// call performs an authenticated request, logging in again once on 403.
func (q *QBittorrent) call(ctx context.Context, method, path string, form url.Values) (int, []byte, error) {
	if err := q.ensureLogin(ctx, false); err != nil {
		return 0, nil, err
	}

	for attempt := 0; ; attempt++ {
		var req *http.Request
		var err error
		if method == http.MethodGet {
			u := q.base + path
			if len(form) > 0 {
				u += "?" + form.Encode()
			}
			req, err = http.NewRequest(method, u, nil)
		} else {
			req, err = http.NewRequest(method, q.base+path, strings.NewReader(form.Encode()))
			if req != nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
		}
		if err != nil {
			return 0, nil, fmt.Errorf("qbittorrent: build request %s: %w", path, err)
		}
		req.Header.Set("Referer", q.base)

		status, _, body, err := q.transport.do(ctx, req)
		if err != nil {
			return 0, nil, fmt.Errorf("qbittorrent: %s: %w", path, err)
		}
		if status == http.StatusForbidden && attempt == 0 {
			if err := q.ensureLogin(ctx, true); err != nil {
				return 0, nil, err
			}
			continue
		}
		return status, body, nil
	}
}

// Add implements Agent. qBittorrent answers "Ok." on acceptance and
// "Fails." for duplicates; a duplicate already carrying r.Label is accepted.
func (q *QBittorrent) Add(ctx context.Context, r AddRequest) error {
	form := url.Values{"urls": {r.SourceLink}}
	if r.Destination != "" {
		form.Set("savepath", r.Destination)
	}
	if r.Label != "" {
		form.Set("tags", r.Label)
	}

	status, body, err := q.call(ctx, http.MethodPost, "/api/v2/torrents/add", form)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(string(body))
	if status == http.StatusOK && text != "Ok." && alreadyHeld(ctx, q, r.Label) {
		return nil
	}
	if status != http.StatusOK || text != "Ok." {
		return fmt.Errorf("%w: qbittorrent: status %d: %q", ErrAddRejected, status, text)
	}
	return nil
}

// List implements Agent.
func (q *QBittorrent) List(ctx context.Context) ([]Transfer, error) {
	status, body, err := q.call(ctx, http.MethodGet, "/api/v2/torrents/info", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("qbittorrent: torrents/info: status %d", status)
	}

	var torrents []qbitTorrent
	if err := json.Unmarshal(body, &torrents); err != nil {
		return nil, fmt.Errorf("qbittorrent: parse torrents/info: %w", err)
	}

	out := make([]Transfer, 0, len(torrents))
	for _, t := range torrents {
		out = append(out, Transfer{
			Hash:      t.Hash,
			Name:      t.Name,
			Label:     harvestTag(t.Tags),
			Progress:  t.Progress,
			State:     t.State,
			Done:      t.Progress >= 1 || qbitDoneStates[t.State],
			Errored:   qbitErrorStates[t.State],
			SizeBytes: t.Size,
		})
	}
	return out, nil
}

// harvestTag picks the harvest label out of qBittorrent's comma separated tags.
func harvestTag(tags string) string {
	for _, tag := range strings.Split(tags, ",") {
		tag = strings.TrimSpace(tag)
		if _, ok := RecordID(tag); ok {
			return tag
		}
	}
	return ""
}

// Remove implements Agent.
func (q *QBittorrent) Remove(ctx context.Context, label string, purgeFiles bool) error {
	transfers, err := q.List(ctx)
	if err != nil {
		return err
	}
	t, ok := FindByLabel(transfers, label)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransferNotFound, label)
	}

	form := url.Values{"hashes": {t.Hash}, "deleteFiles": {strconv.FormatBool(purgeFiles)}}
	status, body, err := q.call(ctx, http.MethodPost, "/api/v2/torrents/delete", form)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("qbittorrent: torrents/delete: status %d: %s", status, strings.TrimSpace(string(body)))
	}
	return nil
}
