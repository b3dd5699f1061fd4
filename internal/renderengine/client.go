// Package renderengine is the thin transport adapter to the render
// engine's job queue (component I) and the history/view endpoints the
// callback watcher (component J) polls.
package renderengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openclaw/controlplane/infrastructure/cache"
	"github.com/openclaw/controlplane/infrastructure/errors"
)

// historyPollCacheTTL coalesces concurrent History polls for the same
// prompt_id (e.g. the callback watcher and an operator's GET /trace/{id}
// landing in the same instant) onto one render-engine round trip.
const historyPollCacheTTL = 750 * time.Millisecond

// Client talks to the render engine's /prompt, /history/{id}, and /view
// endpoints. It performs no retries, and a failed Submit is not retried by
// its callers either: admission returns the error, and the scheduler
// records the firing as a failed run.
type Client struct {
	baseURL  string
	http     *http.Client
	historyCache *cache.TTLCache
}

// New creates a render-engine Client against baseURL (e.g.
// "http://127.0.0.1:8188").
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         httpClient,
		historyCache: cache.NewTTLCache(historyPollCacheTTL),
	}
}

type submitRequest struct {
	Prompt  json.RawMessage `json:"prompt"`
	Extra   map[string]interface{} `json:"extra_data,omitempty"`
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
	Error    string `json:"error,omitempty"`
}

// Submit forwards rendered to the render engine's /prompt endpoint,
// injecting traceID as opaque request-scoped metadata, and returns the
// assigned prompt_id.
func (c *Client) Submit(ctx context.Context, rendered []byte, traceID string) (string, error) {
	body, err := json.Marshal(submitRequest{
		Prompt: rendered,
		Extra:  map[string]interface{}{"trace_id": traceID},
	})
	if err != nil {
		return "", errors.SubmitFailed(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", errors.SubmitFailed(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.SubmitFailed(err)
	}
	defer resp.Body.Close()

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.SubmitFailed(err)
	}
	if resp.StatusCode >= 300 || out.Error != "" {
		return "", errors.SubmitFailed(fmt.Errorf("render engine rejected submission: status=%d error=%s", resp.StatusCode, out.Error))
	}
	if out.PromptID == "" {
		return "", errors.SubmitFailed(fmt.Errorf("render engine returned no prompt_id"))
	}
	return out.PromptID, nil
}

// Output describes one produced artifact referenced by a history entry.
type Output struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// HistoryEntry is the subset of /history/{id} the callback watcher needs.
type HistoryEntry struct {
	PromptID string
	Complete bool
	Outputs  []Output
	Error    string
}

// History polls the render engine's history endpoint for promptID. An
// incomplete/absent entry is reported as Complete=false, not an error. A
// fresh poll for a completed entry is reused for historyPollCacheTTL so
// multiple concurrent callers (watcher tick, operator trace lookup) don't
// each issue their own round trip; incomplete entries are never cached,
// since the point of polling is to observe the completion transition.
func (c *Client) History(ctx context.Context, promptID string) (*HistoryEntry, error) {
	if cached, ok := c.historyCache.Get(ctx, promptID); ok {
		entry := cached.(HistoryEntry)
		return &entry, nil
	}

	entry, err := c.fetchHistory(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if entry.Complete {
		c.historyCache.Set(ctx, promptID, *entry)
	}
	return entry, nil
}

func (c *Client) fetchHistory(ctx context.Context, promptID string) (*HistoryEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &HistoryEntry{PromptID: promptID, Complete: false}, nil
	}

	var raw map[string]struct {
		Status struct {
			Completed bool   `json:"completed"`
			Error     string `json:"status_str"`
		} `json:"status"`
		Outputs map[string]struct {
			Images []Output `json:"images"`
		} `json:"outputs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	entry, ok := raw[promptID]
	if !ok {
		return &HistoryEntry{PromptID: promptID, Complete: false}, nil
	}

	he := &HistoryEntry{PromptID: promptID, Complete: entry.Status.Completed, Error: entry.Status.Error}
	for _, node := range entry.Outputs {
		he.Outputs = append(he.Outputs, node.Images...)
	}
	return he, nil
}

// ViewURL constructs the /view URL used to fetch/deliver one output.
func (c *Client) ViewURL(o Output) string {
	q := url.Values{}
	q.Set("filename", o.Filename)
	q.Set("subfolder", o.Subfolder)
	q.Set("type", o.Type)
	return c.baseURL + "/view?" + q.Encode()
}

// Interrupt requests the render engine cancel an in-progress prompt. This is
// the distinct "interrupt" path for admin-initiated cancellation; it never
// fires automatically from client disconnect.
func (c *Client) Interrupt(ctx context.Context, promptID string) error {
	body, _ := json.Marshal(map[string]string{"prompt_id": promptID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/interrupt", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("interrupt failed: status=%d", resp.StatusCode)
	}
	return nil
}
