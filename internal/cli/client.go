package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devwspito/storyforge/internal/daemon"
)

// client talks to a running daemon over its HTTP API. The base URL comes from
// the addr file the daemon writes on startup.
type client struct {
	base string
	http *http.Client
}

func newClient(ctx context.Context, home string) (*client, error) {
	info, err := daemon.Status(ctx, home)
	if err != nil {
		return nil, err
	}
	if !info.Running || info.Addr == "" || info.Addr == "unknown" {
		return nil, fmt.Errorf("storyforge is not running (try `storyforge start`)")
	}
	addr := info.Addr
	// The daemon may bind all interfaces; dial loopback in that case.
	addr = strings.Replace(addr, "0.0.0.0", "127.0.0.1", 1)
	addr = strings.Replace(addr, "[::]", "127.0.0.1", 1)
	return &client{
		base: "http://" + addr,
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
