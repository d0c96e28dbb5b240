package objectstore

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clipboardpush/signal-coordinator/internal/v1/logging"
)

// UploadAuthRequest is the POST /api/file/upload_auth body.
type UploadAuthRequest struct {
	Filename    string `json:"filename" binding:"required"`
	ContentType string `json:"content_type"`
}

// Handler serves the three HTTP endpoints backing the object-store
// interface.
type Handler struct {
	store Store
}

// NewHandler builds an objectstore Handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// UploadAuth handles POST /api/file/upload_auth, returning a presigned (or
// same-process, for the local backend) upload slot.
func (h *Handler) UploadAuth(c *gin.Context) {
	var req UploadAuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "filename is required"})
		return
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	slot, err := h.store.IssueUploadSlot(c.Request.Context(), req.Filename, contentType)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to issue upload slot", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue upload slot"})
		return
	}
	c.JSON(http.StatusOK, slot)
}

// UploadLocal handles PUT /api/file/upload/:key, local backend only.
func (h *Handler) UploadLocal(c *gin.Context) {
	key := c.Param("key")
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	contentType := c.GetHeader("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := h.store.Write(c.Request.Context(), key, data, contentType); err != nil {
		logging.Error(c.Request.Context(), "local upload failed", zap.String("file_key", key), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store file"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stored", "file_key": key})
}

// DownloadLocal handles GET /api/file/download/:key, local backend only.
func (h *Handler) DownloadLocal(c *gin.Context) {
	key := c.Param("key")
	data, contentType, err := h.store.Read(c.Request.Context(), key)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	if err != nil {
		logging.Error(context.Background(), "local download failed", zap.String("file_key", key), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read file"})
		return
	}
	c.Data(http.StatusOK, contentType, data)
}
