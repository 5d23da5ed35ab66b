package routes

import (
	"net/http"

	"gpu-job-fetcher/api/rest/handlers"

	"github.com/gorilla/mux"
)

// SetupRoutes configures the coordinator endpoints used by workers
func SetupRoutes(r *mux.Router, store *handlers.Store) {
	jobHandler := handlers.NewJobHandler(store)
	fileHandler := handlers.NewFileHandler(store)

	r.HandleFunc("/access_info", jobHandler.AccessInfo).Methods("GET")

	// Job endpoints
	r.HandleFunc("/jobs", jobHandler.FetchJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", jobHandler.DeleteJob).Methods("DELETE")
	r.HandleFunc("/jobs/{id}/status", jobHandler.PushStatus).Methods("PUT")
	r.HandleFunc("/jobs/{id}/status", jobHandler.GetStatus).Methods("GET")
	r.HandleFunc("/jobs/{id}/files/url", fileHandler.UploadURL).Methods("POST")

	// File endpoints
	r.HandleFunc("/files/{id}/url", fileHandler.FileURL).Methods("GET")
	r.HandleFunc("/blobs/{id}", fileHandler.GetBlob).Methods("GET")
	r.HandleFunc("/uploads/{token}", fileHandler.ReceiveUpload).Methods("POST", "PUT")

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
}

// NewRouter returns a router serving the given store
func NewRouter(store *handlers.Store) *mux.Router {
	r := mux.NewRouter()
	SetupRoutes(r, store)
	return r
}
