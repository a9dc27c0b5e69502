package api

import (
	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes
func SetupRoutes(handler *Handler) *mux.Router {
	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", handler.HealthCheck).Methods("GET")

	// Registered on the root router so a wrong method yields 405, not 404
	const prefix = "/api/v1"

	// Issuer routes
	r.HandleFunc(prefix+"/issuers", handler.GetAllProgress).Methods("GET")
	r.HandleFunc(prefix+"/issuers/{issuer}/progress", handler.GetProgress).Methods("GET")
	r.HandleFunc(prefix+"/issuers/{issuer}/records", handler.GetRecords).Methods("GET")

	// Ingestion trigger
	r.HandleFunc(prefix+"/ingest", handler.TriggerIngest).Methods("POST")

	return r
}
