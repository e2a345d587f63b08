package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"davsync/internal/logging"
	"davsync/internal/propagator"
)

const defaultUserAgent = "davsync/1.0"

// Options tunes the HTTP behavior of a Client.
type Options struct {
	// Timeout bounds every single request, not the whole transfer session.
	Timeout   time.Duration
	UserAgent string
	Logger    logging.Logger
}

// Client speaks WebDAV against an ownCloud-style server. It implements the
// propagator's transport collaborator.
type Client struct {
	base       *url.URL // WebDAV root, always with a trailing slash
	httpClient *http.Client
	username   string
	password   string
	userAgent  string
	log        logging.Logger
}

var _ propagator.Remote = (*Client)(nil)

// NewClient creates a client for the given WebDAV base URL, e.g.
// https://host/remote.php/webdav/.
func NewClient(baseURL, username, password string, opts Options) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewNopLogger()
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Client{
		base:       u,
		httpClient: &http.Client{Timeout: timeout},
		username:   username,
		password:   password,
		userAgent:  ua,
		log:        log,
	}, nil
}

// BaseURL returns the WebDAV root the client talks to.
func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) urlFor(path string) string {
	u := *c.base
	u.Path += escapePath(path)
	return u.String()
}

// escapePath escapes each segment of a slash-separated path.
func escapePath(path string) string {
	if path == "" {
		return ""
	}
	segs := strings.Split(path, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("User-Agent", c.userAgent)
	return req, nil
}

// resultFrom picks the reply attributes the propagator cares about.
func resultFrom(resp *http.Response) propagator.RemoteResult {
	return propagator.RemoteResult{
		StatusCode: resp.StatusCode,
		ETag:       parseETag(resp.Header.Get("ETag")),
		FileID:     resp.Header.Get("OC-FileId"),
		PollURL:    resp.Header.Get("OC-JobStatus-Location"),
	}
}

// parseETag strips the quoting and weakness markers some servers add.
func parseETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	return strings.TrimSuffix(etag, "-gzip")
}

func statusError(resp *http.Response) error {
	return fmt.Errorf("server replied %s", resp.Status)
}

// countingWriter forwards writes and reports progress increments.
type countingWriter struct {
	w        io.Writer
	progress func(int64)
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 && cw.progress != nil {
		cw.progress(int64(n))
	}
	return n, err
}

type countingReader struct {
	r        io.Reader
	progress func(int64)
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 && cr.progress != nil {
		cr.progress(int64(n))
	}
	return n, err
}

// Get downloads path into w, resuming at offset when the server honors the
// range.
func (c *Client) Get(ctx context.Context, path string, w io.Writer, offset int64, progress func(int64)) (propagator.RemoteResult, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.urlFor(path), nil)
	if err != nil {
		return propagator.RemoteResult{}, err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return propagator.RemoteResult{}, err
	}
	defer resp.Body.Close()

	res := resultFrom(resp)
	switch {
	case offset > 0 && resp.StatusCode == http.StatusOK:
		// The server ignored the range; the caller's writer appends, so a
		// full body would corrupt the file. Start over instead.
		return res, fmt.Errorf("server does not support resuming")
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent:
		return res, statusError(resp)
	}

	if _, err := io.Copy(&countingWriter{w: w, progress: progress}, resp.Body); err != nil {
		return res, err
	}
	return res, nil
}

// Put uploads a whole file in one request.
func (c *Client) Put(ctx context.Context, path string, r io.Reader, size, modtime int64, progress func(int64)) (propagator.RemoteResult, error) {
	req, err := c.newRequest(ctx, http.MethodPut, c.urlFor(path),
		io.NopCloser(&countingReader{r: r, progress: progress}))
	if err != nil {
		return propagator.RemoteResult{}, err
	}
	req.ContentLength = size
	req.Header.Set("X-OC-Mtime", strconv.FormatInt(modtime, 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return propagator.RemoteResult{}, err
	}
	defer resp.Body.Close()

	res := resultFrom(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return res, statusError(resp)
	}
	return res, nil
}

// PutChunk uploads one block of the v1 chunking protocol. The server
// assembles the target once the final chunk arrives and answers with the
// new etag, or with a job-status location for asynchronous assembly.
func (c *Client) PutChunk(ctx context.Context, path string, transferID uint32, chunk, totalChunks int, r io.Reader, size, modtime int64, progress func(int64)) (propagator.RemoteResult, error) {
	chunkPath := fmt.Sprintf("%s-chunking-%d-%d-%d", path, transferID, totalChunks, chunk)
	req, err := c.newRequest(ctx, http.MethodPut, c.urlFor(chunkPath),
		io.NopCloser(&countingReader{r: r, progress: progress}))
	if err != nil {
		return propagator.RemoteResult{}, err
	}
	req.ContentLength = size
	req.Header.Set("OC-Chunked", "1")
	req.Header.Set("X-OC-Mtime", strconv.FormatInt(modtime, 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return propagator.RemoteResult{}, err
	}
	defer resp.Body.Close()

	res := resultFrom(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return res, statusError(resp)
	}
	return res, nil
}

// MkCol creates a remote directory.
func (c *Client) MkCol(ctx context.Context, path string) (propagator.RemoteResult, error) {
	req, err := c.newRequest(ctx, "MKCOL", c.urlFor(path), nil)
	if err != nil {
		return propagator.RemoteResult{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return propagator.RemoteResult{}, err
	}
	defer resp.Body.Close()

	res := resultFrom(resp)
	if resp.StatusCode != http.StatusCreated {
		return res, statusError(resp)
	}
	return res, nil
}

// Move renames source to destination on the server.
func (c *Client) Move(ctx context.Context, source, destination string) (propagator.RemoteResult, error) {
	req, err := c.newRequest(ctx, "MOVE", c.urlFor(source), nil)
	if err != nil {
		return propagator.RemoteResult{}, err
	}
	req.Header.Set("Destination", c.urlFor(destination))
	req.Header.Set("Overwrite", "F")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return propagator.RemoteResult{}, err
	}
	defer resp.Body.Close()

	res := resultFrom(resp)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return res, statusError(resp)
	}
	return res, nil
}

// Delete removes a remote file or directory tree.
func (c *Client) Delete(ctx context.Context, path string) (propagator.RemoteResult, error) {
	req, err := c.newRequest(ctx, http.MethodDelete, c.urlFor(path), nil)
	if err != nil {
		return propagator.RemoteResult{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return propagator.RemoteResult{}, err
	}
	defer resp.Body.Close()

	res := resultFrom(resp)
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return res, statusError(resp)
	}
	return res, nil
}

// Poll queries an asynchronous server job. The reply is a small JSON body
// whose etag appears once the job has finished.
func (c *Client) Poll(ctx context.Context, pollURL string) (propagator.RemoteResult, error) {
	u, err := c.base.Parse(pollURL)
	if err != nil {
		return propagator.RemoteResult{}, fmt.Errorf("parsing poll url: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return propagator.RemoteResult{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return propagator.RemoteResult{}, err
	}
	defer resp.Body.Close()

	res := propagator.RemoteResult{StatusCode: resp.StatusCode}
	if resp.StatusCode != http.StatusOK {
		return res, statusError(resp)
	}

	var body struct {
		Status string `json:"status"`
		ETag   string `json:"etag"`
		FileID string `json:"fileid"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err != nil {
		return res, fmt.Errorf("decoding poll reply: %w", err)
	}
	switch body.Status {
	case "finished":
		res.ETag = parseETag(body.ETag)
		res.FileID = body.FileID
		return res, nil
	case "error":
		return res, fmt.Errorf("server job failed: %s", body.Error)
	default:
		// Still running; the caller polls again.
		return res, nil
	}
}
