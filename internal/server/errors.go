package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/blacklist"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/content"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/export"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/replication"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/uploads"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorMapping struct {
	target error
	status int
	reason string
}

// errorMappings is ordered; the first match wins.
var errorMappings = []errorMapping{
	{ledger.ErrInvalidWallet, http.StatusBadRequest, "invalid_wallet"},
	{export.ErrInvalidClockRange, http.StatusBadRequest, "invalid_clock_range"},
	{content.ErrInvalidHash, http.StatusBadRequest, "invalid_hash"},
	{content.ErrIsDirectory, http.StatusBadRequest, "is_directory"},
	{uploads.ErrInvalidMetadata, http.StatusBadRequest, "invalid_metadata"},
	{uploads.ErrEmptyUpload, http.StatusBadRequest, "empty_upload"},
	{uploads.ErrUnknownContent, http.StatusBadRequest, "unknown_content"},
	{blacklist.ErrInvalidEntryType, http.StatusBadRequest, "invalid_entry_type"},
	{blacklist.ErrInvalidValues, http.StatusBadRequest, "invalid_values"},
	{replication.ErrSelfSync, http.StatusBadRequest, "self_sync"},
	{blacklist.ErrInvalidSignature, http.StatusUnauthorized, "invalid_signature"},
	{blacklist.ErrStaleSignature, http.StatusUnauthorized, "stale_signature"},
	{ledger.ErrUserNotFound, http.StatusNotFound, "user_not_found"},
	{ledger.ErrFileNotFound, http.StatusNotFound, "file_not_found"},
	{content.ErrNotFound, http.StatusNotFound, "not_found"},
	{replication.ErrWalletNotFound, http.StatusNotFound, "wallet_not_found"},
	{uploads.ErrTranscodeUnavailable, http.StatusInternalServerError, "transcode_unavailable"},
	{replication.ErrCoordinatorClosed, http.StatusInternalServerError, "shutting_down"},
}

// respondError writes the status, reason and service code that err maps to.
// Server-side failures are logged; client errors are not.
func (h *httpHandler) respondError(c *gin.Context, err error, fallbackReason string) {
	status, reason := http.StatusInternalServerError, fallbackReason
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			status, reason = mapping.status, mapping.reason
			break
		}
	}

	payload := gin.H{"error": reason}
	var serviceErr *ledger.ServiceError
	if errors.As(err, &serviceErr) {
		payload["code"] = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("reason", reason),
			zap.Error(err))
	}
	c.JSON(status, payload)
}

func invalidRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}
