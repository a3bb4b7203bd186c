package openhab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sentinel states openHAB reports when an item has no current value.
const (
	StateNull  = "NULL"
	StateUndef = "UNDEF"
)

type ErrorKind int

const (
	ErrUnreachable ErrorKind = iota
	ErrUnauthorized
	ErrTimeout
	ErrBadResponse
)

// ConnectionError is the only error type this package returns. Retry policy
// belongs to the caller; nothing is retried here.
type ConnectionError struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *ConnectionError) Error() string {
	switch e.Kind {
	case ErrUnreachable:
		return "openhab server unreachable: " + e.Err.Error()
	case ErrUnauthorized:
		return "openhab rejected credentials"
	case ErrTimeout:
		return "openhab request timed out"
	default:
		if e.Err != nil {
			return fmt.Sprintf("openhab bad response (%d): %v", e.Status, e.Err)
		}
		return fmt.Sprintf("openhab returned status %d", e.Status)
	}
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func transportError(err error) *ConnectionError {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &ConnectionError{Kind: ErrTimeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ConnectionError{Kind: ErrTimeout, Err: err}
	}
	return &ConnectionError{Kind: ErrUnreachable, Err: err}
}

func statusError(status int) *ConnectionError {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &ConnectionError{Kind: ErrUnauthorized, Status: status}
	}
	return &ConnectionError{Kind: ErrBadResponse, Status: status}
}

// Item is a snapshot of one openHAB item. Never persisted as-is.
type Item struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Label    string `json:"label"`
	State    string `json:"state"`
	Category string `json:"category,omitempty"`
}

// HasValue reports whether the item carries a real state, as opposed to the
// NULL/UNDEF sentinels.
func (it Item) HasValue() bool {
	return it.State != "" && it.State != StateNull && it.State != StateUndef
}

// IsNumericType reports whether an openHAB item type can carry a sensor
// reading. Plain Number plus dimensioned variants (Number:Temperature etc.);
// switches, groups and the rest are not mappable.
func IsNumericType(itemType string) bool {
	t := strings.TrimSpace(itemType)
	return t == "Number" || strings.HasPrefix(t, "Number:")
}

type Client struct {
	httpClient *http.Client
}

func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{httpClient: httpClient}
}

func restURL(baseURL string, parts ...string) string {
	b := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	if len(segs) == 0 {
		return b + "/rest/"
	}
	return b + "/rest/" + strings.Join(segs, "/")
}

func (c *Client) do(req *http.Request, cred Credential) (*http.Response, *ConnectionError) {
	cred.apply(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, statusError(resp.StatusCode)
	}
	return resp, nil
}

// TestConnection probes the server's REST root and returns a short
// human-readable description of what answered.
func (c *Client) TestConnection(ctx context.Context, baseURL string, cred Credential) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, restURL(baseURL), nil)
	if err != nil {
		return "", &ConnectionError{Kind: ErrUnreachable, Err: err}
	}
	resp, cerr := c.do(req, cred)
	if cerr != nil {
		return "", cerr
	}
	defer resp.Body.Close()

	var info struct {
		Version     string `json:"version"`
		RuntimeInfo struct {
			Version string `json:"version"`
		} `json:"runtimeInfo"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&info); err != nil {
		return "", &ConnectionError{Kind: ErrBadResponse, Status: resp.StatusCode, Err: err}
	}
	version := info.RuntimeInfo.Version
	if version == "" {
		version = info.Version
	}
	if version == "" {
		return "connected to openHAB", nil
	}
	return "connected to openHAB " + version, nil
}

// ListItems fetches the item catalog, filtered down to numeric item types.
func (c *Client) ListItems(ctx context.Context, baseURL string, cred Credential) ([]Item, error) {
	u := restURL(baseURL, "items") + "?recursive=false"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &ConnectionError{Kind: ErrUnreachable, Err: err}
	}
	resp, cerr := c.do(req, cred)
	if cerr != nil {
		return nil, cerr
	}
	defer resp.Body.Close()

	var all []Item
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10*1024*1024)).Decode(&all); err != nil {
		return nil, &ConnectionError{Kind: ErrBadResponse, Status: resp.StatusCode, Err: err}
	}
	out := make([]Item, 0, len(all))
	for _, it := range all {
		if it.Name == "" || !IsNumericType(it.Type) {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// ReadItemState reads one item's raw state string (may be NULL/UNDEF).
func (c *Client) ReadItemState(ctx context.Context, baseURL string, cred Credential, itemName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, restURL(baseURL, "items", itemName, "state"), nil)
	if err != nil {
		return "", &ConnectionError{Kind: ErrUnreachable, Err: err}
	}
	resp, cerr := c.do(req, cred)
	if cerr != nil {
		return "", cerr
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	if err != nil {
		return "", &ConnectionError{Kind: ErrBadResponse, Status: resp.StatusCode, Err: err}
	}
	return strings.TrimSpace(string(b)), nil
}

// SendCommand posts a command to an item. Success means the server accepted
// it, not that the device applied it.
func (c *Client) SendCommand(ctx context.Context, baseURL string, cred Credential, itemName, command string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, restURL(baseURL, "items", itemName), strings.NewReader(command))
	if err != nil {
		return &ConnectionError{Kind: ErrUnreachable, Err: err}
	}
	req.Header.Set("Content-Type", "text/plain")
	resp, cerr := c.do(req, cred)
	if cerr != nil {
		return cerr
	}
	resp.Body.Close()
	return nil
}
