package handler

import (
	"encoding/json"
	"net/http"

	"pos-sync-server/internal/domain"
	"pos-sync-server/internal/middleware"
	"pos-sync-server/internal/service"
	"pos-sync-server/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

type ClientHandler struct {
	service  *service.SyncService
	validate *validator.Validate
}

func NewClientHandler(service *service.SyncService) *ClientHandler {
	return &ClientHandler{
		service:  service,
		validate: validator.New(),
	}
}

func (h *ClientHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	client, err := h.service.Register(r.Context(), middleware.GetIdentity(r), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Created(w, client)
}

func (h *ClientHandler) Me(w http.ResponseWriter, r *http.Request) {
	client, err := h.service.GetClientInfo(r.Context(), middleware.GetIdentity(r))
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, client)
}

func (h *ClientHandler) List(w http.ResponseWriter, r *http.Request) {
	clients, err := h.service.ListClients(r.Context(), middleware.GetIdentity(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if clients == nil {
		clients = []*domain.Client{}
	}

	response.Success(w, clients)
}

func (h *ClientHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["id"]
	if clientID == "" {
		response.BadRequest(w, "Client ID is required")
		return
	}

	if err := h.service.Unregister(r.Context(), middleware.GetIdentity(r), clientID); err != nil {
		writeError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, map[string]string{"message": "client unregistered"})
}
