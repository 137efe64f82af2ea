package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	datacopy "github.com/goliatone/go-datacopy"
)

// HTTPClient talks to the provider REST API with bearer auth.
type HTTPClient struct {
	baseURL  string
	api      *http.Client
	transfer *http.Client
	logger   datacopy.Logger
}

type HTTPOption func(*HTTPClient)

// WithHTTPClient sets the client used for API calls. Its transport is
// wrapped with the oauth2 bearer transport when a token source is given.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.api = c
		}
	}
}

// WithTransferClient sets the unauthenticated client used for presigned
// download and upload urls.
func WithTransferClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.transfer = c
		}
	}
}

func WithHTTPLogger(l datacopy.Logger) HTTPOption {
	return func(h *HTTPClient) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHTTPClient builds a client for baseURL. A nil token source sends
// requests unauthenticated.
func NewHTTPClient(baseURL string, ts oauth2.TokenSource, opts ...HTTPOption) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if _, err := url.ParseRequestURI(baseURL); err != nil || baseURL == "" {
		return nil, datacopy.NewError(datacopy.ErrValidation, "invalid provider base url", err, map[string]any{
			"base_url": baseURL,
		})
	}

	h := &HTTPClient{
		baseURL:  baseURL,
		api:      &http.Client{Timeout: 30 * time.Second},
		transfer: &http.Client{Timeout: 30 * time.Minute},
		logger:   datacopy.NormalizeLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if ts != nil {
		base := h.api.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		api := *h.api
		api.Transport = &oauth2.Transport{Source: ts, Base: base}
		h.api = &api
	}
	return h, nil
}

type objectList struct {
	Items []Object `json:"items"`
}

type presigned struct {
	URL string `json:"url"`
}

type copyJob struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

func (h *HTTPClient) GetObject(ctx context.Context, uri string) (Object, error) {
	var obj Object
	err := h.do(ctx, "get object", http.MethodGet, "/api/data", url.Values{"uri": {uri}}, nil, &obj)
	return obj, err
}

func (h *HTTPClient) ListFolder(ctx context.Context, uri string) ([]Object, error) {
	var list objectList
	err := h.do(ctx, "list folder", http.MethodGet, "/api/data/children", url.Values{"uri": {uri}}, nil, &list)
	if StatusCode(err) == http.StatusNotFound {
		return nil, nil
	}
	return list.Items, err
}

func (h *HTTPClient) DeleteObject(ctx context.Context, uri string) error {
	return h.do(ctx, "delete object", http.MethodDelete, "/api/data", url.Values{"uri": {uri}}, nil, nil)
}

func (h *HTTPClient) StartCopyJob(ctx context.Context, req CopyJobRequest) (string, error) {
	var job copyJob
	if err := h.do(ctx, "start copy job", http.MethodPost, "/api/copyJobs", nil, req, &job); err != nil {
		return "", err
	}
	if job.ID == "" {
		return "", providerError("start copy job", 0, false, fmt.Errorf("empty job id"))
	}
	return job.ID, nil
}

func (h *HTTPClient) GetJobStatus(ctx context.Context, jobID string) (string, error) {
	var job copyJob
	err := h.do(ctx, "get job status", http.MethodGet, "/api/copyJobs/"+url.PathEscape(jobID), nil, nil, &job)
	return job.Status, err
}

// StageObject downloads src fully into memory through a presigned url and
// uploads it to destinationURI through another.
func (h *HTTPClient) StageObject(ctx context.Context, src Object, destinationURI string) error {
	var down, up presigned
	if err := h.do(ctx, "create download url", http.MethodPost, "/api/data/downloadUrl", nil, map[string]string{"uri": src.URI}, &down); err != nil {
		return err
	}
	if err := h.do(ctx, "create upload url", http.MethodPost, "/api/data/uploadUrl", nil, map[string]string{"uri": destinationURI}, &up); err != nil {
		return err
	}

	buf := bytes.NewBuffer(make([]byte, 0, max(src.Size, 0)))
	if err := h.transferCall(ctx, "download object", http.MethodGet, down.URL, nil, buf); err != nil {
		return err
	}
	if src.Size > 0 && int64(buf.Len()) != src.Size {
		return providerError("download object", 0, true, fmt.Errorf("read %d of %d bytes", buf.Len(), src.Size))
	}
	return h.transferCall(ctx, "upload object", http.MethodPut, up.URL, bytes.NewReader(buf.Bytes()), nil)
}

// MoveObject asks the provider to move src to targetURI server side.
func (h *HTTPClient) MoveObject(ctx context.Context, src Object, targetURI string) error {
	return h.do(ctx, "move object", http.MethodPost, "/api/data/move", nil, map[string]string{
		"sourceUri": src.URI,
		"targetUri": targetURI,
	}, nil)
}

func (h *HTTPClient) GetExternalObject(ctx context.Context, uri string) (Object, error) {
	var obj Object
	err := h.do(ctx, "get external object", http.MethodGet, "/api/external/objects", url.Values{"uri": {uri}}, nil, &obj)
	if err == nil && obj.URI == "" {
		obj.URI = uri
	}
	return obj, err
}

// UploadExternalObject pipes the file manager's presigned download straight
// into a provider upload url without buffering it.
func (h *HTTPClient) UploadExternalObject(ctx context.Context, src Object, targetURI string) error {
	var down, up presigned
	if err := h.do(ctx, "create external download url", http.MethodPost, "/api/external/downloadUrl", nil, map[string]string{"uri": src.URI}, &down); err != nil {
		return err
	}
	if err := h.do(ctx, "create upload url", http.MethodPost, "/api/data/uploadUrl", nil, map[string]string{"uri": targetURI}, &up); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, down.URL, nil)
	if err != nil {
		return providerError("download external object", 0, false, err)
	}
	resp, err := h.transfer.Do(req)
	if err != nil {
		return providerError("download external object", 0, ctx.Err() == nil, err)
	}
	defer resp.Body.Close()
	if err := checkStatus("download external object", resp); err != nil {
		return err
	}

	put, err := http.NewRequestWithContext(ctx, http.MethodPut, up.URL, resp.Body)
	if err != nil {
		return providerError("upload external object", 0, false, err)
	}
	put.Header.Set("Content-Type", "application/octet-stream")
	switch {
	case src.Size > 0:
		put.ContentLength = src.Size
	case resp.ContentLength >= 0:
		put.ContentLength = resp.ContentLength
	}
	upResp, err := h.transfer.Do(put)
	if err != nil {
		return providerError("upload external object", 0, ctx.Err() == nil, err)
	}
	defer upResp.Body.Close()
	return checkStatus("upload external object", upResp)
}

func (h *HTTPClient) transferCall(ctx context.Context, op, method, target string, body io.Reader, sink io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return providerError(op, 0, false, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	resp, err := h.transfer.Do(req)
	if err != nil {
		return providerError(op, 0, ctx.Err() == nil, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(op, resp); err != nil {
		return err
	}
	if sink != nil {
		if _, err := io.Copy(sink, resp.Body); err != nil {
			return providerError(op, 0, true, err)
		}
	}
	return nil
}

func (h *HTTPClient) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	target := h.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return providerError(op, 0, false, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return providerError(op, 0, false, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.api.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return providerError(op, 0, true, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(op, resp); err != nil {
		h.logger.Debug("provider %s %s returned %d", method, path, resp.StatusCode)
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return providerError(op, resp.StatusCode, false, err)
	}
	return nil
}

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return providerError(op, resp.StatusCode, retry, fmt.Errorf("%s", strings.TrimSpace(string(snippet))))
}
