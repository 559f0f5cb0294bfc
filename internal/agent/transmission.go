package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/abelbrown/harvest/internal/config"
)

const sessionHeader = "X-Transmission-Session-Id"

// Transmission drives a Transmission daemon over its JSON RPC.
// The CSRF session id is learned from the first 409 response.
type Transmission struct {
	endpoint  string
	username  string
	password  string
	transport httpClient

	mu        sync.Mutex
	sessionID string
}

type rpcRequest struct {
	Method    string `json:"method"`
	Arguments any    `json:"arguments,omitempty"`
}

type rpcResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
}

type trTorrent struct {
	HashString  string   `json:"hashString"`
	Name        string   `json:"name"`
	Labels      []string `json:"labels"`
	PercentDone float64  `json:"percentDone"`
	Status      int      `json:"status"`
	Error       int      `json:"error"`
	TotalSize   int64    `json:"totalSize"`
}

// torrent-get status values
var trStatusNames = map[int]string{
	0: "stopped", 1: "check_wait", 2: "checking", 3: "download_wait",
	4: "downloading", 5: "seed_wait", 6: "seeding",
}

// trLocalError is the error code for a local (disk) failure; tracker
// warnings and errors are not fatal to the transfer.
const trLocalError = 3

var trFields = []string{"hashString", "name", "labels", "percentDone", "status", "error", "totalSize"}

// NewTransmission returns a client for cfg.URL. A URL without a path gets
// the standard /transmission/rpc endpoint.
func NewTransmission(cfg config.AgentConfig) *Transmission {
	endpoint := strings.TrimRight(cfg.URL, "/")
	if u, err := url.Parse(endpoint); err == nil && (u.Path == "" || u.Path == "/") {
		endpoint += "/transmission/rpc"
	}
	return &Transmission{
		endpoint:  endpoint,
		username:  cfg.Username,
		password:  cfg.Password,
		transport: newHTTPClient(cfg, nil),
	}
}

// Name implements Agent.
func (t *Transmission) Name() string { return config.AgentTransmission }

func (t *Transmission) session() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *Transmission) setSession(id string) {
	t.mu.Lock()
	t.sessionID = id
	t.mu.Unlock()
}

// rpc sends one method call and decodes its arguments into out.
// A 409 carries a fresh session id; the call is retried once with it.
func (t *Transmission) rpc(ctx context.Context, method string, args any, out any) (string, error) {
	payload, err := json.Marshal(rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("transmission: encode %s: %w", method, err)
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequest(http.MethodPost, t.endpoint, bytes.NewReader(payload))
		if err != nil {
			return "", fmt.Errorf("transmission: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if id := t.session(); id != "" {
			req.Header.Set(sessionHeader, id)
		}
		if t.username != "" {
			req.SetBasicAuth(t.username, t.password)
		}

		status, header, body, err := t.transport.do(ctx, req)
		if err != nil {
			return "", fmt.Errorf("transmission: %s: %w", method, err)
		}

		switch {
		case status == http.StatusConflict && attempt == 0:
			t.setSession(header.Get(sessionHeader))
			continue
		case status == http.StatusUnauthorized:
			return "", fmt.Errorf("%w: transmission: status %d", ErrAuth, status)
		case status != http.StatusOK:
			return "", fmt.Errorf("transmission: %s: status %d", method, status)
		}

		var resp rpcResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("transmission: parse %s response: %w", method, err)
		}
		if out != nil && resp.Result == "success" && len(resp.Arguments) > 0 {
			if err := json.Unmarshal(resp.Arguments, out); err != nil {
				return resp.Result, fmt.Errorf("transmission: parse %s arguments: %w", method, err)
			}
		}
		return resp.Result, nil
	}
}

// Add implements Agent. A duplicate already carrying r.Label is accepted.
func (t *Transmission) Add(ctx context.Context, r AddRequest) error {
	args := map[string]any{"filename": r.SourceLink}
	if r.Destination != "" {
		args["download-dir"] = r.Destination
	}
	if r.Label != "" {
		args["labels"] = []string{r.Label}
	}

	var added struct {
		Added     *trTorrent `json:"torrent-added"`
		Duplicate *trTorrent `json:"torrent-duplicate"`
	}
	result, err := t.rpc(ctx, "torrent-add", args, &added)
	if err != nil {
		return err
	}
	if result != "success" {
		return fmt.Errorf("%w: transmission: %s", ErrAddRejected, result)
	}
	if added.Duplicate != nil {
		if alreadyHeld(ctx, t, r.Label) {
			return nil
		}
		return fmt.Errorf("%w: transmission: duplicate of %s", ErrAddRejected, added.Duplicate.HashString)
	}
	return nil
}

// List implements Agent.
func (t *Transmission) List(ctx context.Context) ([]Transfer, error) {
	var got struct {
		Torrents []trTorrent `json:"torrents"`
	}
	result, err := t.rpc(ctx, "torrent-get", map[string]any{"fields": trFields}, &got)
	if err != nil {
		return nil, err
	}
	if result != "success" {
		return nil, fmt.Errorf("transmission: torrent-get: %s", result)
	}

	out := make([]Transfer, 0, len(got.Torrents))
	for _, tr := range got.Torrents {
		label := ""
		for _, l := range tr.Labels {
			if _, ok := RecordID(l); ok {
				label = l
				break
			}
		}
		out = append(out, Transfer{
			Hash:      tr.HashString,
			Name:      tr.Name,
			Label:     label,
			Progress:  tr.PercentDone,
			State:     trStatusNames[tr.Status],
			Done:      tr.PercentDone >= 1,
			Errored:   tr.Error == trLocalError,
			SizeBytes: tr.TotalSize,
		})
	}
	return out, nil
}

// Remove implements Agent.
func (t *Transmission) Remove(ctx context.Context, label string, purgeFiles bool) error {
	transfers, err := t.List(ctx)
	if err != nil {
		return err
	}
	tr, ok := FindByLabel(transfers, label)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransferNotFound, label)
	}

	args := map[string]any{"ids": []string{tr.Hash}, "delete-local-data": purgeFiles}
	result, err := t.rpc(ctx, "torrent-remove", args, nil)
	if err != nil {
		return err
	}
	if result != "success" {
		return fmt.Errorf("transmission: torrent-remove: %s", result)
	}
	return nil
}
