package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gpu-job-fetcher/api/rest/handlers"
	"gpu-job-fetcher/api/rest/routes"
	"gpu-job-fetcher/core/models"

	"github.com/golang-jwt/jwt/v5"
)

func testSession() SessionOptions {
	return SessionOptions{
		RetryMax:     3,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
		Timeout:      5 * time.Second,
	}
}

func newMock(t *testing.T) (*API, *handlers.Store) {
	t.Helper()
	store := handlers.NewStore()
	srv := httptest.NewServer(routes.NewRouter(store))
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", NewSession(testSession()), nil), store
}

func TestURLBuilders(t *testing.T) {
	api := New("http://coord:8000/", NewSession(testSession()), nil)
	if api.BaseURL() != "http://coord:8000" {
		t.Errorf("Trailing slash not trimmed: %s", api.BaseURL())
	}
	job := api.Job("a6")
	if job.JobURL() != "http://coord:8000/jobs/a6" {
		t.Errorf("Unexpected job url %s", job.JobURL())
	}
	if job.StatusURL() != "http://coord:8000/jobs/a6/status" {
		t.Errorf("Unexpected status url %s", job.StatusURL())
	}
	if job.FileUploadURL() != "http://coord:8000/jobs/a6/files/url" {
		t.Errorf("Unexpected upload url %s", job.FileUploadURL())
	}
	if api.FileURL("config_a6") != "http://coord:8000/files/config_a6/url" {
		t.Errorf("Unexpected file url %s", api.FileURL("config_a6"))
	}
}

func TestFetchJobsAndPing(t *testing.T) {
	api, store := newMock(t)
	store.AddJob("a6", models.JobSpecs{Handler: models.HandlerSpecs{ImageURL: "busybox"}})

	jobs, err := api.FetchJobs(context.Background(), models.FetchParams{Limit: 1, CPUCores: 4, Memory: 8000})
	if err != nil {
		t.Fatalf("FetchJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(jobs))
	}

	job := api.Job("a6")
	report := models.NewStatusReport(models.PhaseError).WithExitCode(137).WithBody("oom")
	if err := job.Ping(context.Background(), report); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	got := store.Statuses("a6")
	if len(got) != 1 || got[0].Phase != models.PhaseError || *got[0].ExitCode != 137 || *got[0].RuntimeDetails != "oom" {
		t.Errorf("Unexpected statuses %+v", got)
	}
}

func TestPingDeletedJob(t *testing.T) {
	api, store := newMock(t)
	store.AddJob("a6", models.JobSpecs{})
	store.DeleteJob("a6")

	err := api.Job("a6").Ping(context.Background(), models.NewStatusReport(models.PhaseRunning))
	if !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Errorf("Expected wrapped HTTPError, got %v", err)
	}
}

func TestRetryPolicy(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1, 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	api := New(srv.URL, NewSession(testSession()), nil)
	if err := api.Job("a6").Ping(context.Background(), models.NewStatusReport(models.PhaseRunning)); err != nil {
		t.Fatalf("Expected retries to succeed, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestNotFoundIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	api := New(srv.URL, NewSession(testSession()), nil)
	err := api.Job("a6").Ping(context.Background(), models.NewStatusReport(models.PhaseRunning))
	if !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected a single attempt, got %d", calls)
	}
}

func TestRetriesExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	api := New(srv.URL, NewSession(testSession()), nil)
	_, err := api.FetchJobs(context.Background(), models.FetchParams{Limit: 1})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502 HTTPError, got %v", err)
	}
	if calls != 4 {
		t.Errorf("Expected 1 attempt plus 3 retries, got %d", calls)
	}
}

func TestBearerToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	api := New(srv.URL, NewSession(testSession()), NewStaticToken("secret"))
	if _, err := api.FetchJobs(context.Background(), models.FetchParams{Limit: 1}); err != nil {
		t.Fatalf("FetchJobs failed: %v", err)
	}
	if auth != "Bearer secret" {
		t.Errorf("Unexpected Authorization header %q", auth)
	}
}

func TestGetFile(t *testing.T) {
	api, store := newMock(t)
	store.AddFile("config_a6", []byte("lr: 0.1\n"))

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := api.Job("a6").GetFile(context.Background(), "config_a6", path); err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "lr: 0.1\n" {
		t.Errorf("Unexpected content %q", data)
	}

	err := api.GetFile(context.Background(), "missing", filepath.Join(t.TempDir(), "x"))
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %v", err)
	}
}

func TestDecodeInstructions(t *testing.T) {
	instr, err := decodeInstructions([]byte(`"http://blob/x"`))
	if err != nil || instr.URL != "http://blob/x" || instr.Method != http.MethodGet {
		t.Errorf("Bare URL not accepted: %+v, %v", instr, err)
	}
	instr, err = decodeInstructions([]byte(`{"url":"http://blob/y","method":"post","data":{"key":"k"}}`))
	if err != nil || instr.Data["key"] != "k" {
		t.Errorf("Object not accepted: %+v, %v", instr, err)
	}
	if _, err := decodeInstructions([]byte(`{}`)); err == nil {
		t.Error("Expected error for empty instructions")
	}
}

func TestPutFile(t *testing.T) {
	api, store := newMock(t)
	store.AddJob("a6", models.JobSpecs{})

	path := filepath.Join(t.TempDir(), "model.pt")
	os.WriteFile(path, []byte("weights"), 0o644)

	job := api.Job("a6")
	if err := job.PutFile(context.Background(), path, models.FileTypeArtifact, "artifact/model.pt"); err != nil {
		t.Fatalf("PutFile failed: %v", err)
	}
	ups := store.Uploads("a6")
	if len(ups) != 1 || string(ups[0].Data) != "weights" || ups[0].Type != models.FileTypeArtifact {
		t.Errorf("Unexpected uploads %+v", ups)
	}

	if err := job.PutFile(context.Background(), path, models.FileType("weights"), "x"); err == nil {
		t.Error("Expected unknown category error")
	}

	store.DeleteJob("a6")
	err := job.PutFile(context.Background(), path, models.FileTypeLog, "log/out.txt")
	if !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestPutFileRawPut(t *testing.T) {
	var body string
	var length int64
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/jobs/a6/files/url", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"url":"` + srv.URL + `/put","method":"PUT"}`))
	})
	mux.HandleFunc("/put", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		length = r.ContentLength
	})

	path := filepath.Join(t.TempDir(), "out.txt")
	os.WriteFile(path, []byte("hello"), 0o644)

	api := New(srv.URL, NewSession(testSession()), nil)
	if err := api.Job("a6").PutFile(context.Background(), path, models.FileTypeOutput, "output/out.txt"); err != nil {
		t.Fatalf("PutFile failed: %v", err)
	}
	if body != "hello" || length != 5 {
		t.Errorf("Unexpected PUT body %q length %d", body, length)
	}
}

func TestPutFileMultipartRetry(t *testing.T) {
	var attempts int32
	var key, content string
	var length, received int64
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/jobs/a6/files/url", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"url":"` + srv.URL + `/post","method":"POST","data":{"key":"a6/output/big.bin"}}`))
	})
	mux.HandleFunc("/post", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		length, received = r.ContentLength, int64(len(data))
		r.Body = io.NopCloser(bytes.NewReader(data))
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		key = r.FormValue("key")
		f, _, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		content = string(b)
	})

	payload := strings.Repeat("0123456789", 10000)
	path := filepath.Join(t.TempDir(), "big.bin")
	os.WriteFile(path, []byte(payload), 0o644)

	api := New(srv.URL, NewSession(testSession()), nil)
	if err := api.Job("a6").PutFile(context.Background(), path, models.FileTypeOutput, "output/big.bin"); err != nil {
		t.Fatalf("PutFile failed: %v", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 2 {
		t.Errorf("Expected 2 attempts, got %d", n)
	}
	if content != payload || key != "a6/output/big.bin" {
		t.Errorf("Retried upload lost data: key %q, %d bytes", key, len(content))
	}
	if length != received {
		t.Errorf("Content-Length %d does not match body size %d", length, received)
	}
}

func TestStaticTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	got, ok := NewStaticToken(signed).Expiry()
	if !ok || !got.Equal(exp) {
		t.Errorf("Expected expiry %v, got %v (%v)", exp, got, ok)
	}
	if _, ok := NewStaticToken("opaque").Expiry(); ok {
		t.Error("Opaque token should carry no expiry")
	}
}
