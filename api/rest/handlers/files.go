package handlers

import (
	"fmt"
	"io"
	"net/http"
	"path"

	"gpu-job-fetcher/core/models"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// maxUpload bounds a single upload held in memory
const maxUpload = 64 << 20

// FileHandler serves file locations and stands in for the object store
type FileHandler struct {
	store *Store
}

// NewFileHandler creates a new file handler
func NewFileHandler(store *Store) *FileHandler {
	return &FileHandler{store: store}
}

// FileURL handles GET /files/{id}/url
func (h *FileHandler) FileURL(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]
	h.store.mu.Lock()
	_, ok := h.store.files[fileID]
	h.store.mu.Unlock()
	if !ok {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, models.TransferInstructions{
		URL:    fmt.Sprintf("%s/blobs/%s", baseURL(r), fileID),
		Method: http.MethodGet,
	})
}

// GetBlob handles GET /blobs/{id}
func (h *FileHandler) GetBlob(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]
	h.store.mu.Lock()
	data, ok := h.store.files[fileID]
	h.store.mu.Unlock()
	if !ok {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

// UploadURL handles POST /jobs/{id}/files/url
func (h *FileHandler) UploadURL(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	q := r.URL.Query()
	fileType := models.FileType(q.Get("type"))
	if !fileType.Valid() {
		http.Error(w, "Invalid file type", http.StatusUnprocessableEntity)
		return
	}
	basePath := q.Get("base_path")
	if basePath == "" {
		http.Error(w, "base_path is required", http.StatusUnprocessableEntity)
		return
	}

	token := uuid.NewString()
	h.store.mu.Lock()
	_, ok := h.store.live(jobID)
	if ok {
		h.store.pending[token] = Upload{JobID: jobID, Type: fileType, BasePath: basePath}
	}
	h.store.mu.Unlock()
	if !ok {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	method := http.MethodPost
	if q.Get("method") == "put" {
		method = http.MethodPut
	}
	writeJSON(w, http.StatusOK, models.TransferInstructions{
		URL:    fmt.Sprintf("%s/uploads/%s", baseURL(r), token),
		Method: method,
		Data: map[string]string{
			"key": path.Join(jobID, string(fileType), basePath),
		},
	})
}

// ReceiveUpload handles POST and PUT /uploads/{token}
func (h *FileHandler) ReceiveUpload(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	var data []byte
	var err error
	if r.Method == http.MethodPut {
		data, err = io.ReadAll(io.LimitReader(r.Body, maxUpload))
	} else {
		data, err = readMultipartFile(r)
	}
	if err != nil {
		http.Error(w, "Invalid upload: "+err.Error(), http.StatusBadRequest)
		return
	}

	h.store.mu.Lock()
	up, ok := h.store.pending[token]
	if ok {
		delete(h.store.pending, token)
		up.Data = data
		up.Size = len(data)
		h.store.uploads = append(h.store.uploads, up)
	}
	h.store.mu.Unlock()
	if !ok {
		http.Error(w, "Unknown upload", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func readMultipartFile(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		return nil, err
	}
	f, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
