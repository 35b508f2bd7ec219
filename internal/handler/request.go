package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/repair-service/internal/errs"
	"github.com/psds-microservice/repair-service/internal/model"
	"github.com/psds-microservice/repair-service/internal/service"
)

type RequestHandler struct {
	svc *service.RequestService
}

func NewRequestHandler(svc *service.RequestService) *RequestHandler {
	return &RequestHandler{svc: svc}
}

type createRequestRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	CategoryID  uint64 `json:"category_id" binding:"required"`
	LocationID  uint64 `json:"location_id" binding:"required"`
	Priority    string `json:"priority"`
}

func (h *RequestHandler) Create(c *gin.Context) {
	var req createRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	r, err := h.svc.Create(c.Request.Context(), actorFrom(c), service.CreateInput{
		Title:       req.Title,
		Description: req.Description,
		CategoryID:  req.CategoryID,
		LocationID:  req.LocationID,
		Priority:    model.Priority(req.Priority),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (h *RequestHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	r, err := h.svc.GetByID(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *RequestHandler) List(c *gin.Context) {
	filter := make(map[string]interface{})
	if v := c.Query("status"); v != "" {
		filter["status = ?"] = v
	}
	if v := c.Query("user_id"); v != "" {
		filter["user_id = ?"] = v
	}
	if v := c.Query("technician_id"); v != "" {
		filter["technician_id = ?"] = v
	}
	if v := c.Query("category_id"); v != "" {
		filter["category_id = ?"] = v
	}
	if v := c.Query("priority"); v != "" {
		filter["priority = ?"] = v
	}
	limit, offset := pagination(c)
	items, total, err := h.svc.List(c.Request.Context(), filter, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list requests"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"requests": items,
		"total":    total,
	})
}

type assignRequest struct {
	TechnicianID uint64 `json:"technician_id" binding:"required"`
}

func (h *RequestHandler) Assign(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	r, err := h.svc.Assign(c.Request.Context(), actorFrom(c), id, req.TechnicianID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *RequestHandler) Accept(c *gin.Context) {
	h.simpleTransition(c, h.svc.Accept)
}

type reasonRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *RequestHandler) Reject(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}
	r, err := h.svc.Reject(c.Request.Context(), actorFrom(c), id, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *RequestHandler) Start(c *gin.Context) {
	h.simpleTransition(c, h.svc.Start)
}

func (h *RequestHandler) Hold(c *gin.Context) {
	h.simpleTransition(c, h.svc.Hold)
}

func (h *RequestHandler) Complete(c *gin.Context) {
	h.simpleTransition(c, h.svc.Complete)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *RequestHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req cancelRequest
	_ = c.ShouldBindJSON(&req) // причина отмены опциональна
	r, err := h.svc.Cancel(c.Request.Context(), actorFrom(c), id, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// simpleTransition обслуживает операции без тела запроса (accept/start/hold/complete).
func (h *RequestHandler) simpleTransition(c *gin.Context, op func(context.Context, service.Actor, uint64) (*model.Request, error)) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	r, err := op(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func pathID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func pagination(c *gin.Context) (limit, offset int) {
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

// writeError отображает ошибки движка на HTTP статусы: NOT_FOUND -> 404,
// FORBIDDEN -> 403, нарушение предусловия или политики -> 409, неверный
// аргумент -> 400.
func writeError(c *gin.Context, err error) {
	var e *errs.Error
	if !errors.As(err, &e) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusConflict
	switch {
	case errs.IsNotFound(err):
		status = http.StatusNotFound
	case errs.IsForbidden(err):
		status = http.StatusForbidden
	case errs.IsInvalid(err):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": e.Message, "code": e.Code})
}
