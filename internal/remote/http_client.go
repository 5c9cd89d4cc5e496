package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxErrorBody    = 4096
	maxMetadataBody = 1 << 20
	maxCountBody    = 256

	headerRequestID = "X-Clipdeck-Request-Id"
)

// HTTPClient talks to the clip service over HTTP.
type HTTPClient struct {
	baseURL    string
	prefix     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient builds a client for baseURL. prefix is prepended to every
// endpoint path (for deployments mounted under /api). A zero timeout leaves
// stalled calls to the context and the network stack.
func NewHTTPClient(baseURL, prefix string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		prefix:  prefix,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

func (c *HTTPClient) endpoint(path string, query url.Values) string {
	u := c.baseURL + c.prefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *HTTPClient) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(headerRequestID, uuid.NewString())
	return req, nil
}

func (c *HTTPClient) do(op string, req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

// Upload sends the video as multipart field "file" together with the
// client-generated job id.
func (c *HTTPClient) Upload(ctx context.Context, jobID string, file *Upload) (*UploadReceipt, error) {
	if file == nil || file.Open == nil {
		return nil, &RequestError{Op: "upload", Err: errors.New("no file")}
	}

	src, err := file.Open()
	if err != nil {
		return nil, &RequestError{Op: "upload", Err: fmt.Errorf("open: %w", err)}
	}
	defer src.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeMultipart(mw, jobID, file.Name, src)
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("/upload", nil), pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	c.logger.Info("uploading video",
		"job_id", jobID,
		"file", file.Name,
		"bytes", file.Size,
	)

	resp, err := c.do("upload", req)
	if err != nil {
		pr.CloseWithError(err)
		return nil, err
	}
	defer resp.Body.Close()

	receipt := &UploadReceipt{}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if len(respBody) > 0 {
		// the acknowledgement body is informational only
		_ = json.Unmarshal(respBody, receipt)
	}

	c.logger.Info("upload accepted", "job_id", jobID, "info", receipt.Info)
	return receipt, nil
}

func writeMultipart(mw *multipart.Writer, jobID, name string, src io.Reader) error {
	if err := mw.WriteField("jobId", jobID); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}

// Generate asks the service to cut clips for the uploaded video and returns
// how many it produced.
func (c *HTTPClient) Generate(ctx context.Context, jobID string) (int, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("/generate", url.Values{"jobId": {jobID}}), nil)
	if err != nil {
		return 0, err
	}

	c.logger.Info("requesting clip generation", "job_id", jobID)

	resp, err := c.do("generate", req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCountBody))
	if err != nil {
		return 0, &RequestError{Op: "generate", Err: err}
	}

	count, err := ParseClipCount(body)
	if err != nil {
		return 0, &RequestError{Op: "generate", Err: err}
	}

	c.logger.Info("clip generation finished", "job_id", jobID, "clips", count)
	return count, nil
}

// MaxClipCount bounds what ParseClipCount accepts. Callers apply their own,
// usually smaller, limit on top.
const MaxClipCount = 100000

// ParseClipCount reads the generate response: a bare JSON integer, possibly
// quoted. Negative, fractional or implausibly large values are rejected.
func ParseClipCount(body []byte) (int, error) {
	text := strings.TrimSpace(string(body))
	text = strings.Trim(text, `"`)
	if text == "" {
		return 0, errors.New("empty clip count")
	}

	n, err := strconv.Atoi(text)
	if err != nil {
		f, ferr := strconv.ParseFloat(text, 64)
		if ferr != nil || f != math.Trunc(f) {
			return 0, fmt.Errorf("invalid clip count %q", text)
		}
		if f < 0 || f > MaxClipCount {
			return 0, fmt.Errorf("clip count %s outside 0..%d", text, MaxClipCount)
		}
		n = int(f)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative clip count %d", n)
	}
	if n > MaxClipCount {
		return 0, fmt.Errorf("clip count %d exceeds %d", n, MaxClipCount)
	}
	return n, nil
}

// FetchClipBinary streams the video bytes of clip index (1-based).
func (c *HTTPClient) FetchClipBinary(ctx context.Context, jobID string, index int) (*ClipBinary, error) {
	if index < 1 {
		return nil, fmt.Errorf("invalid clip index %d", index)
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("/part", clipQuery(jobID, index)), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do("fetch clip", req)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("clip binary response", "job_id", jobID, "clip_index", index, "content_length", resp.ContentLength)
	return &ClipBinary{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
	}, nil
}

// FetchClipMetadata fetches and decodes the metadata document of clip index.
func (c *HTTPClient) FetchClipMetadata(ctx context.Context, jobID string, index int) (ClipMetadata, error) {
	if index < 1 {
		return ClipMetadata{}, fmt.Errorf("invalid clip index %d", index)
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("/meta", clipQuery(jobID, index)), nil)
	if err != nil {
		return ClipMetadata{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do("fetch metadata", req)
	if err != nil {
		return ClipMetadata{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBody))
	if err != nil {
		return ClipMetadata{}, &RequestError{Op: "fetch metadata", Err: err}
	}

	meta, err := DecodeMetadata(body)
	if err != nil {
		return ClipMetadata{}, &RequestError{Op: "fetch metadata", Err: err}
	}
	return meta, nil
}

// Download resolves a clip reference previously handed out by the service.
func (c *HTTPClient) Download(ctx context.Context, ref string) (*ClipBinary, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, errors.New("download: empty clip reference")
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("/download", url.Values{"clip": {ref}}), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do("download", req)
	if err != nil {
		return nil, err
	}
	return &ClipBinary{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
	}, nil
}

// Ping checks that the service answers HTTP at all. Any response below 500
// counts as reachable.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+c.prefix+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RequestError{Op: "ping", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode >= 500 {
		return &StatusError{Op: "ping", StatusCode: resp.StatusCode}
	}
	return nil
}

func clipQuery(jobID string, index int) url.Values {
	return url.Values{
		"jobId": {jobID},
		"index": {strconv.Itoa(index)},
	}
}
