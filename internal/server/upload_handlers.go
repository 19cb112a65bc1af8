package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/uploads"
	"github.com/gin-gonic/gin"
)

const (
	uploadFormField = "file"
	maxUploadBytes  = 512 << 20
)

type profileRequestPayload struct {
	Metadata       json.RawMessage `json:"metadata"`
	CoverArtHash   string          `json:"coverArtHash"`
	ProfilePicHash string          `json:"profilePicHash"`
}

type trackRequestPayload struct {
	BlockchainTrackID int64           `json:"blockchainTrackId"`
	Metadata          json.RawMessage `json:"metadata"`
	SegmentHashes     []string        `json:"segmentHashes"`
	Copy320Hash       string          `json:"copy320Hash"`
	CoverArtHash      string          `json:"coverArtHash"`
}

func (h *httpHandler) handleSignup(c *gin.Context) {
	wallet, ok := h.writerWallet(c)
	if !ok {
		return
	}
	user, err := h.uploads.Signup(c.Request.Context(), wallet)
	if err != nil {
		h.respondError(c, err, "signup_failed")
		return
	}
	respondData(c, http.StatusOK, user)
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	wallet, ok := h.writerWallet(c)
	if !ok {
		return
	}
	var request profileRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	profile, err := h.uploads.UpdateProfile(c.Request.Context(), wallet, uploads.ProfileUpdate{
		Metadata:       request.Metadata,
		CoverArtHash:   request.CoverArtHash,
		ProfilePicHash: request.ProfilePicHash,
	})
	if err != nil {
		h.respondError(c, err, "profile_update_failed")
		return
	}
	respondData(c, http.StatusOK, profile)
}

func (h *httpHandler) handleImageUpload(c *gin.Context) {
	wallet, ok := h.writerWallet(c)
	if !ok {
		return
	}
	fileName, data, ok := readUpload(c)
	if !ok {
		return
	}
	file, err := h.uploads.UploadImage(c.Request.Context(), wallet, fileName, data)
	if err != nil {
		h.respondError(c, err, "image_upload_failed")
		return
	}
	respondData(c, http.StatusOK, file)
}

func (h *httpHandler) handleTrackContent(c *gin.Context) {
	wallet, ok := h.writerWallet(c)
	if !ok {
		return
	}
	fileName, data, ok := readUpload(c)
	if !ok {
		return
	}
	stored, err := h.uploads.UploadTrackContent(c.Request.Context(), wallet, fileName, data)
	if err != nil {
		h.respondError(c, err, "track_upload_failed")
		return
	}
	respondData(c, http.StatusOK, stored)
}

func (h *httpHandler) handleCreateTrack(c *gin.Context) {
	wallet, ok := h.writerWallet(c)
	if !ok {
		return
	}
	var request trackRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	track, err := h.uploads.CreateTrack(c.Request.Context(), wallet, uploads.TrackCreate{
		BlockchainID:  request.BlockchainTrackID,
		Metadata:      request.Metadata,
		SegmentHashes: request.SegmentHashes,
		Copy320Hash:   request.Copy320Hash,
		CoverArtHash:  request.CoverArtHash,
	})
	if err != nil {
		h.respondError(c, err, "track_create_failed")
		return
	}
	respondData(c, http.StatusOK, track)
}

func (h *httpHandler) writerWallet(c *gin.Context) (ledger.WalletAddress, bool) {
	wallet, err := ledger.NewWalletAddress(c.GetString(walletContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return wallet, true
}

func readUpload(c *gin.Context) (string, []byte, bool) {
	header, err := c.FormFile(uploadFormField)
	if err != nil {
		invalidRequest(c)
		return "", nil, false
	}
	if header.Size > maxUploadBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "upload_too_large"})
		return "", nil, false
	}
	file, err := header.Open()
	if err != nil {
		invalidRequest(c)
		return "", nil, false
	}
	defer file.Close() //nolint:errcheck
	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read_failed"})
		return "", nil, false
	}
	return header.Filename, data, true
}
