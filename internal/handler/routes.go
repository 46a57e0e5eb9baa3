package handler

import (
	"net/http"

	"pos-sync-server/internal/middleware"

	"github.com/gorilla/mux"
)

// RegisterRoutes mounts the client and sync endpoints on api, which is
// expected to be the /api/v1 subrouter.
func RegisterRoutes(api *mux.Router, jwtSecret string, clients *ClientHandler, sync *SyncHandler) {
	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.AuthMiddleware(jwtSecret))

	protected.HandleFunc("/clients", clients.List).Methods(http.MethodGet, http.MethodOptions)
	protected.HandleFunc("/clients/register", clients.Register).Methods(http.MethodPost, http.MethodOptions)
	protected.Handle("/clients/me", middleware.RequireClient(http.HandlerFunc(clients.Me))).Methods(http.MethodGet, http.MethodOptions)
	protected.HandleFunc("/clients/{id}", clients.Unregister).Methods(http.MethodDelete, http.MethodOptions)

	// business wide, registered ahead of the client scoped /sync subrouter
	protected.HandleFunc("/sync/statistics", sync.Statistics).Methods(http.MethodGet, http.MethodOptions)

	s := protected.PathPrefix("/sync").Subrouter()
	s.Use(middleware.RequireClient)

	s.HandleFunc("/queue", sync.Queue).Methods(http.MethodPost, http.MethodOptions)
	s.HandleFunc("/queue", sync.ClearQueue).Methods(http.MethodDelete)
	s.HandleFunc("/process", sync.Process).Methods(http.MethodPost, http.MethodOptions)
	s.HandleFunc("/status", sync.Status).Methods(http.MethodGet, http.MethodOptions)
	s.HandleFunc("/conflicts", sync.ListConflicts).Methods(http.MethodGet, http.MethodOptions)
	s.HandleFunc("/conflicts/{id}/resolve", sync.ResolveConflict).Methods(http.MethodPost, http.MethodOptions)
	s.HandleFunc("/delta", sync.Delta).Methods(http.MethodGet, http.MethodOptions)
	s.HandleFunc("/full", sync.Full).Methods(http.MethodGet, http.MethodOptions)
	s.HandleFunc("/ack", sync.Acknowledge).Methods(http.MethodPost, http.MethodOptions)
	s.HandleFunc("/retry", sync.Retry).Methods(http.MethodPost, http.MethodOptions)
}
