package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"chestrestock-api/internal/config"
	"chestrestock-api/internal/middleware"
	"chestrestock-api/internal/model"
	"chestrestock-api/internal/restock"
	"chestrestock-api/internal/service"
	"chestrestock-api/pkg/apierror"
	"chestrestock-api/pkg/response"
)

// maxBodyBytes caps request bodies; the largest is a full definition.
const maxBodyBytes = 1 << 20

// ContainerHandler handles container HTTP requests.
type ContainerHandler struct {
	svc *service.RestockService
}

// NewContainerHandler creates a new container handler.
func NewContainerHandler(svc *service.RestockService) *ContainerHandler {
	return &ContainerHandler{svc: svc}
}

type consumerRequest struct {
	ConsumerID string `json:"consumer_id"`
}

type takeRequest struct {
	ConsumerID string `json:"consumer_id"`
	Slot       *int   `json:"slot"`
	Amount     int    `json:"amount"`
}

// decodeBody decodes an optional JSON body. An empty body leaves v alone.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apierror.BadRequest("invalid JSON: " + err.Error())
	}
	return nil
}

// writeServiceError maps service and engine errors to API errors.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := middleware.GetRequestID(r.Context())
	var apiErr *apierror.Error
	switch {
	case errors.Is(err, service.ErrUnknownContainer):
		apiErr = apierror.NotFound("container not found")
	case restock.IsPrecondition(err):
		apiErr = apierror.BadRequest(err.Error())
	case restock.IsInvalidLocation(err):
		apiErr = apierror.Conflict("container location is no longer valid")
	case restock.IsPersistence(err):
		log.Printf("[ContainerHandler] %s persistence error: %v", reqID, err)
		apiErr = apierror.ServiceUnavailable("state could not be saved")
	default:
		response.Error(w, err)
		return
	}
	response.Error(w, apiErr.WithRequestID(reqID))
}

// List handles GET /api/v1/containers
func (h *ContainerHandler) List(w http.ResponseWriter, r *http.Request) {
	containers := h.svc.Containers()
	response.JSONWithMeta(w, http.StatusOK, containers, 1, len(containers), int64(len(containers)))
}

// Get handles GET /api/v1/containers/{id}
func (h *ContainerHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.Info(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.OK(w, info)
}

// Put handles PUT /api/v1/containers/{id}. A new id answers 201.
func (h *ContainerHandler) Put(w http.ResponseWriter, r *http.Request) {
	def := config.ContainerDefinition{Policy: model.DefaultPolicy()}
	if err := decodeBody(r, &def); err != nil {
		response.Error(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if def.ID != "" && def.ID != id {
		response.Error(w, apierror.ValidationError("id does not match path",
			apierror.FieldError{Field: "id", Message: "must equal " + id}))
		return
	}
	def.ID = id
	_, lookupErr := h.svc.Info(id)
	created := lookupErr != nil

	if _, err := h.svc.Register(r.Context(), def, false); err != nil {
		writeServiceError(w, r, err)
		return
	}
	info, err := h.svc.Info(id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if created {
		response.Created(w, info)
		return
	}
	response.OK(w, info)
}

// Delete handles DELETE /api/v1/containers/{id}?purge=true
func (h *ContainerHandler) Delete(w http.ResponseWriter, r *http.Request) {
	purge, _ := strconv.ParseBool(r.URL.Query().Get("purge"))
	if err := h.svc.Invalidate(r.Context(), chi.URLParam(r, "id"), purge); err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.NoContent(w)
}

// Open handles POST /api/v1/containers/{id}/open
func (h *ContainerHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req consumerRequest
	if err := decodeBody(r, &req); err != nil {
		response.Error(w, err)
		return
	}

	res, err := h.svc.Open(r.Context(), chi.URLParam(r, "id"), req.ConsumerID)
	if err != nil && (res == nil || !res.Outcome.Restocked) {
		writeServiceError(w, r, err)
		return
	}
	if err != nil {
		// The consumer saw the refill; report it with durable=false.
		log.Printf("[ContainerHandler] %s open not persisted: %v", middleware.GetRequestID(r.Context()), err)
	}
	response.OK(w, res)
}

// Items handles GET /api/v1/containers/{id}/items?consumer_id=
func (h *ContainerHandler) Items(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.View(chi.URLParam(r, "id"), r.URL.Query().Get("consumer_id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.OK(w, map[string]interface{}{"items": items})
}

// Take handles POST /api/v1/containers/{id}/take
func (h *ContainerHandler) Take(w http.ResponseWriter, r *http.Request) {
	var req takeRequest
	if err := decodeBody(r, &req); err != nil {
		response.Error(w, err)
		return
	}
	if req.Slot == nil {
		response.Error(w, apierror.ValidationError("slot is required",
			apierror.FieldError{Field: "slot", Message: "required"}))
		return
	}

	taken, err := h.svc.Take(r.Context(), chi.URLParam(r, "id"), req.ConsumerID, *req.Slot, req.Amount)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.OK(w, map[string]interface{}{"taken": taken})
}

// Restock handles POST /api/v1/containers/{id}/restock
func (h *ContainerHandler) Restock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Restock(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.OK(w, map[string]string{"status": "restocked", "container_id": id})
}

// Capture handles POST /api/v1/containers/{id}/capture
func (h *ContainerHandler) Capture(w http.ResponseWriter, r *http.Request) {
	var req consumerRequest
	if err := decodeBody(r, &req); err != nil {
		response.Error(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.svc.Capture(r.Context(), id, req.ConsumerID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	info, err := h.svc.Info(id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.OK(w, info)
}

// Loot handles GET /api/v1/containers/{id}/loot/{consumer_id}
func (h *ContainerHandler) Loot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	consumerID := chi.URLParam(r, "consumer_id")
	rec, err := h.svc.LootRecord(r.Context(), id, consumerID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.OK(w, map[string]interface{}{
		"container_id": id,
		"consumer_id":  consumerID,
		"record":       rec,
	})
}
