// Package ipfs implements the RPC client collaborator described in
// §6: add/cat/pin_rm/files_ls/files_rm against a Kubo-compatible node.
// No dedicated Kubo client SDK appears anywhere in the example corpus,
// so the client speaks the documented Kubo HTTP RPC surface directly
// over net/http and mime/multipart, the way the corpus reaches for
// stdlib HTTP clients when no purpose-built library is available.
package ipfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUpstreamUnavailable = errors.New("ipfs rpc unavailable")
	ErrMalformedResponse   = errors.New("ipfs rpc returned a malformed response")
)

type Client struct {
	Address    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func New(address string, timeout time.Duration) *Client {
	return &Client{
		Address:    strings.TrimRight(address, "/"),
		HTTPClient: &http.Client{},
		Timeout:    timeout,
	}
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.Address + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) controlContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.Timeout)
}

// Add streams content to the node's add endpoint and returns the CID.
// contentType is currently informational only: Kubo add does not use it,
// but it documents the intent alongside the multipart form part.
func (c *Client) Add(ctx context.Context, r io.Reader, contentType string) (string, error) {
	ctx, cancel := c.controlContext(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", "blob")
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/add", url.Values{"cid-version": {"1"}}), pr)
	if err != nil {
		return "", fmt.Errorf("build ipfs add request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: add returned status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var out struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if out.Hash == "" {
		return "", ErrMalformedResponse
	}
	return out.Hash, nil
}

// Cat streams the content addressed by cid. The caller is responsible
// for closing the returned reader; closing it before EOF cancels the
// upstream request.
func (c *Client) Cat(ctx context.Context, cid string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/cat", url.Values{"arg": {cid}}), nil)
	if err != nil {
		return nil, fmt.Errorf("build ipfs cat request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("%w: cat returned status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	return resp.Body, nil
}

// PinRM unpins cid, ignoring "not pinned" errors as spec.md §4.3 step 2
// requires (unpin-if-orphan is a best-effort cleanup).
func (c *Client) PinRM(ctx context.Context, cid string) error {
	ctx, cancel := c.controlContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/pin/rm", url.Values{"arg": {cid}, "recursive": {"true"}}), nil)
	if err != nil {
		return fmt.Errorf("build ipfs pin/rm request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusInternalServerError {
		return fmt.Errorf("%w: pin/rm returned status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	return nil
}

// FilesCP links cid into the MFS tree at mfsPath, creating parent
// directories as needed. Grounded on original_source/ipfs.rs's
// add_content, which links every successful add into MFS.
func (c *Client) FilesCP(ctx context.Context, cid, mfsPath string) error {
	ctx, cancel := c.controlContext(ctx)
	defer cancel()
	query := url.Values{
		"arg":    {"/ipfs/" + cid, mfsPath},
		"parents": {"true"},
		"force":   {"true"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/files/cp", query), nil)
	if err != nil {
		return fmt.Errorf("build ipfs files/cp request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: files/cp returned status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	return nil
}

// FilesLS lists MFS directory entry names at path.
func (c *Client) FilesLS(ctx context.Context, path string) ([]string, error) {
	ctx, cancel := c.controlContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/files/ls", url.Values{"arg": {path}}), nil)
	if err != nil {
		return nil, fmt.Errorf("build ipfs files/ls request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: files/ls returned status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	var out struct {
		Entries []struct {
			Name string `json:"Name"`
		} `json:"Entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	names := make([]string, 0, len(out.Entries))
	for _, e := range out.Entries {
		names = append(names, e.Name)
	}
	return names, nil
}

// FilesRM removes the MFS entry at path. Not-found is treated as
// success, matching spec.md §4.3 step 2's "ignore not-found errors".
func (c *Client) FilesRM(ctx context.Context, path string, recursive bool) error {
	ctx, cancel := c.controlContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/files/rm", url.Values{"arg": {path}, "recursive": {strconv.FormatBool(recursive)}, "force": {"true"}}), nil)
	if err != nil {
		return fmt.Errorf("build ipfs files/rm request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusInternalServerError {
		return fmt.Errorf("%w: files/rm returned status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	return nil
}

// Version pings the node, used by the readiness aggregation described
// in original_source/info.rs's health_check.
func (c *Client) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/version", nil), nil)
	if err != nil {
		return "", fmt.Errorf("build ipfs version request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: version returned status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	var out struct {
		Version string `json:"Version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return out.Version, nil
}
