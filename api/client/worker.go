package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"gpu-job-fetcher/core/models"
)

// API is the worker-side client of the coordinator
type API struct {
	baseURL string
	http    *retryablehttp.Client
	tokens  TokenSource
}

// New creates a coordinator client.
// The session is shared by every call; tokens may be nil for unauthenticated access.
func New(baseURL string, session *retryablehttp.Client, tokens TokenSource) *API {
	if tokens == nil {
		tokens = NoToken{}
	}
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    session,
		tokens:  tokens,
	}
}

// BaseURL returns the coordinator root
func (a *API) BaseURL() string {
	return a.baseURL
}

// FileURL returns the endpoint resolving a file id to transfer instructions
func (a *API) FileURL(fileID string) string {
	return fmt.Sprintf("%s/files/%s/url", a.baseURL, url.PathEscape(fileID))
}

// CognitoInfo is the identity pool information published by the coordinator
type CognitoInfo struct {
	ClientID   string `json:"client_id"`
	Region     string `json:"region"`
	UserPoolID string `json:"user_pool_id,omitempty"`
}

// AccessInfo describes how workers authenticate
type AccessInfo struct {
	Cognito CognitoInfo `json:"cognito"`
}

// AccessInfo fetches the authentication bootstrap information.
// This endpoint is public.
func (a *API) AccessInfo(ctx context.Context) (*AccessInfo, error) {
	resp, err := a.do(ctx, http.MethodGet, a.baseURL+"/access_info", nil, nil, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var info AccessInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode access info: %w", err)
	}
	return &info, nil
}

// FetchJobs asks the coordinator for claimable jobs matching the worker's capabilities
func (a *API) FetchJobs(ctx context.Context, params models.FetchParams) (map[string]models.JobSpecs, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(params.Limit))
	q.Set("cpu_cores", strconv.Itoa(params.CPUCores))
	q.Set("memory", strconv.Itoa(params.Memory))
	if params.Hostname != "" {
		q.Set("hostname", params.Hostname)
	}
	if params.GPUModel != nil {
		q.Set("gpu_model", *params.GPUModel)
	}
	if params.GPUMemory != nil {
		q.Set("gpu_memory", strconv.Itoa(*params.GPUMemory))
	}

	resp, err := a.do(ctx, http.MethodGet, a.baseURL+"/jobs", q, nil, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}
	return models.DecodeJobs(data)
}

// GetFile resolves a file id and writes its content to path
func (a *API) GetFile(ctx context.Context, fileID, path string) error {
	resp, err := a.do(ctx, http.MethodGet, a.FileURL(fileID), nil, nil, true)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read file location: %w", err)
	}
	instr, err := decodeInstructions(data)
	if err != nil {
		return err
	}
	return a.download(ctx, instr, path)
}

// decodeInstructions accepts either a bare URL string or a TransferInstructions object
func decodeInstructions(data []byte) (*models.TransferInstructions, error) {
	var instr models.TransferInstructions
	if err := json.Unmarshal(data, &instr); err == nil && instr.URL != "" {
		return &instr, nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil || raw == "" {
		return nil, fmt.Errorf("unexpected transfer instructions: %s", truncate(string(data), 200))
	}
	return &models.TransferInstructions{URL: raw, Method: http.MethodGet}, nil
}

// download fetches the bytes; presigned URLs are public, so no credentials are sent
func (a *API) download(ctx context.Context, instr *models.TransferInstructions, path string) error {
	method := strings.ToUpper(instr.Method)
	if method == "" {
		method = http.MethodGet
	}
	resp, err := a.do(ctx, method, instr.URL, nil, nil, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// Job returns the client scoped to one claimed job
func (a *API) Job(jobID string) *JobAPI {
	return &JobAPI{jobID: jobID, api: a}
}

// JobAPI talks to the endpoints of a single job
type JobAPI struct {
	jobID string
	api   *API
}

// JobID returns the job this client is bound to
func (j *JobAPI) JobID() string {
	return j.jobID
}

// JobURL returns the job resource
func (j *JobAPI) JobURL() string {
	return fmt.Sprintf("%s/jobs/%s", j.api.baseURL, url.PathEscape(j.jobID))
}

// StatusURL returns the job status endpoint
func (j *JobAPI) StatusURL() string {
	return j.JobURL() + "/status"
}

// FileUploadURL returns the endpoint handing out upload locations
func (j *JobAPI) FileUploadURL() string {
	return j.JobURL() + "/files/url"
}

type statusBody struct {
	ExitCode       *int    `json:"exit_code"`
	RuntimeDetails *string `json:"runtime_details"`
}

// Ping pushes a status report.
// A 404 is returned as models.ErrJobNotFound.
func (j *JobAPI) Ping(ctx context.Context, report models.StatusReport) error {
	body, err := json.Marshal(statusBody{ExitCode: report.ExitCode, RuntimeDetails: report.Body})
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("status", string(report.Phase))

	resp, err := j.api.do(ctx, http.MethodPut, j.StatusURL(), q, body, true)
	if err != nil {
		return j.jobError(err)
	}
	resp.Body.Close()
	return nil
}

// GetFile downloads a job input
func (j *JobAPI) GetFile(ctx context.Context, fileID, path string) error {
	return j.api.GetFile(ctx, fileID, path)
}

// PutFile uploads a job output under the given category and job-relative path
func (j *JobAPI) PutFile(ctx context.Context, path string, fileType models.FileType, relPath string) error {
	if !fileType.Valid() {
		return fmt.Errorf("unknown upload category %q", fileType)
	}
	q := url.Values{}
	q.Set("type", string(fileType))
	q.Set("base_path", filepath.ToSlash(relPath))

	resp, err := j.api.do(ctx, http.MethodPost, j.FileUploadURL(), q, nil, true)
	if err != nil {
		return j.jobError(err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read upload location: %w", err)
	}
	instr, err := decodeInstructions(data)
	if err != nil {
		return err
	}
	return j.api.upload(ctx, instr, path, filepath.Base(relPath))
}

func (j *JobAPI) jobError(err error) error {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", models.ErrJobNotFound, err)
	}
	return err
}

// upload sends a file either as a presigned multipart POST or as a raw PUT.
// The file is streamed and reopened on every retry attempt.
func (a *API) upload(ctx context.Context, instr *models.TransferInstructions, path, fileName string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	switch strings.ToUpper(instr.Method) {
	case http.MethodPut:
		resp, err := a.send(ctx, http.MethodPut, instr.URL, fileBody(path, nil, nil), "application/octet-stream", info.Size())
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	case http.MethodPost, "":
		head, tail, contentType, err := multipartFrame(instr.Data, fileName)
		if err != nil {
			return err
		}
		length := int64(len(head)) + info.Size() + int64(len(tail))
		resp, err := a.send(ctx, http.MethodPost, instr.URL, fileBody(path, head, tail), contentType, length)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	default:
		return fmt.Errorf("unsupported upload method %q", instr.Method)
	}
}

// multipartFrame renders the form fields and the file part header (head) and
// the closing boundary (tail) that surround the file content
func multipartFrame(fields map[string]string, fileName string) (head, tail []byte, contentType string, err error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, nil, "", err
		}
	}
	if _, err := w.CreateFormFile("file", fileName); err != nil {
		return nil, nil, "", err
	}
	n := buf.Len()
	if err := w.Close(); err != nil {
		return nil, nil, "", err
	}
	frame := buf.Bytes()
	return frame[:n:n], frame[n:], w.FormDataContentType(), nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// fileBody opens path for each attempt and wraps it between head and tail
func fileBody(path string, head, tail []byte) retryablehttp.ReaderFunc {
	return func() (io.Reader, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return readCloser{
			Reader: io.MultiReader(bytes.NewReader(head), f, bytes.NewReader(tail)),
			Closer: f,
		}, nil
	}
}

func (a *API) send(ctx context.Context, method, rawURL string, body interface{}, contentType string, length int64) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	// presigned object store URLs reject chunked uploads
	req.ContentLength = length
	req.Header.Set("Content-Type", contentType)
	return a.execute(req)
}

// do issues a coordinator request and turns non-2xx responses into *HTTPError
func (a *API) do(ctx context.Context, method, rawURL string, query url.Values, body []byte, auth bool) (*http.Response, error) {
	if query != nil {
		rawURL += "?" + query.Encode()
	}
	var raw interface{}
	if body != nil {
		raw = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, raw)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		token, err := a.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain access token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return a.execute(req)
}

func (a *API) execute(req *retryablehttp.Request) (*http.Response, error) {
	resp, err := a.http.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &HTTPError{
			Method:     req.Method,
			URL:        req.URL.Redacted(),
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}
	return resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
