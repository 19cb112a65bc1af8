package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/blacklist"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/content"
	"github.com/gin-gonic/gin"
	"github.com/h2non/filetype"
	"go.uber.org/zap"
)

const (
	contentTypeJSON   = "application/json"
	contentTypeBinary = "application/octet-stream"
	immutableCaching  = "public, max-age=2592000, immutable"
)

func (h *httpHandler) handleContent(c *gin.Context) {
	multihash := strings.TrimSpace(c.Param("hash"))
	if err := content.ValidateHash(multihash); err != nil {
		h.respondError(c, err, "invalid_hash")
		return
	}

	var trackID *int64
	if raw := strings.TrimSpace(c.Query("trackId")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_track_id"})
			return
		}
		trackID = &parsed
	}

	servable, err := h.blacklist.IsServable(c.Request.Context(), multihash, trackID)
	if err != nil {
		h.respondError(c, err, "blacklist_check_failed")
		return
	}
	if !servable {
		h.logger.Debug("blocked content request", zap.String("multihash", multihash))
		c.JSON(http.StatusForbidden, gin.H{"error": "blacklisted"})
		return
	}

	data, err := h.content.GetContent(c.Request.Context(), multihash)
	if err != nil {
		h.respondError(c, err, "content_unavailable")
		return
	}
	c.Header("Cache-Control", immutableCaching)
	c.Data(http.StatusOK, sniffContentType(data), data)
}

func (h *httpHandler) handleLocalLookup(c *gin.Context) {
	data, err := h.content.LocalContent(c.Request.Context(), strings.TrimSpace(c.Param("hash")))
	if err != nil {
		h.respondError(c, err, "lookup_failed")
		return
	}
	c.Data(http.StatusOK, contentTypeBinary, data)
}

func (h *httpHandler) handleListBlacklist(c *gin.Context) {
	respondData(c, http.StatusOK, h.blacklist.List())
}

func (h *httpHandler) handleBlacklistAdd(c *gin.Context) {
	var mutation blacklist.Mutation
	if err := c.ShouldBindJSON(&mutation); err != nil {
		invalidRequest(c)
		return
	}
	outcome, err := h.blacklist.Add(c.Request.Context(), mutation)
	if err != nil {
		h.respondError(c, err, "blacklist_add_failed")
		return
	}
	respondData(c, http.StatusOK, outcome)
}

func (h *httpHandler) handleBlacklistRemove(c *gin.Context) {
	var mutation blacklist.Mutation
	if err := c.ShouldBindJSON(&mutation); err != nil {
		invalidRequest(c)
		return
	}
	outcome, err := h.blacklist.Remove(c.Request.Context(), mutation)
	if err != nil {
		h.respondError(c, err, "blacklist_remove_failed")
		return
	}
	respondData(c, http.StatusOK, outcome)
}

// sniffContentType recognizes media by magic bytes and falls back to JSON metadata or raw bytes.
func sniffContentType(data []byte) string {
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	if json.Valid(data) {
		return contentTypeJSON
	}
	return contentTypeBinary
}
