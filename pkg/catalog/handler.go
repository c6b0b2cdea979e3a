package catalog

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Save actions.
const (
	ActionInsert = "insert"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// SaveRequest is the body of the save endpoint.
type SaveRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
	ID      string          `json:"id"`
}

// Handler serves catalog mutations.
type Handler struct {
	Repo Repository
}

// Save applies one insert, update or delete.
func (h *Handler) Save(c *gin.Context) {
	var req SaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	switch req.Action {
	case ActionInsert, ActionUpdate, ActionDelete:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
		return
	}

	var id uuid.UUID
	if req.ID != "" || req.Action != ActionInsert {
		parsed, err := uuid.Parse(req.ID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a uuid"})
			return
		}
		id = parsed
	} else {
		id = uuid.New()
	}

	if req.Action != ActionDelete {
		if err := ValidatePayload(req.Payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ctx := c.Request.Context()
	var (
		data any
		err  error
	)
	switch req.Action {
	case ActionInsert:
		data, err = h.Repo.Insert(ctx, id, req.Payload)
	case ActionUpdate:
		data, err = h.Repo.Update(ctx, id, req.Payload)
	case ActionDelete:
		err = h.Repo.Delete(ctx, id)
		data = gin.H{"id": id}
	}

	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		logging.Component("catalog").WithError(err).WithField("action", req.Action).Error("Catalog write failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	logging.Component("catalog").WithFields(logrus.Fields{"action": req.Action, "id": id}).Info("Catalog updated")
	c.JSON(http.StatusOK, gin.H{"data": data})
}
