package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/peer"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/replication"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleExport(c *gin.Context) {
	rawWallets := c.QueryArray("wallet_public_key")
	if len(rawWallets) == 0 {
		invalidRequest(c)
		return
	}
	wallets := make([]ledger.WalletAddress, 0, len(rawWallets))
	for _, raw := range rawWallets {
		wallet, err := ledger.NewWalletAddress(raw)
		if err != nil {
			h.respondError(c, err, "invalid_wallet")
			return
		}
		wallets = append(wallets, wallet)
	}

	clockRangeMin := int64(0)
	if raw := strings.TrimSpace(c.Query("clock_range_min")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_clock_range"})
			return
		}
		clockRangeMin = parsed
	}

	result, err := h.exporter.Export(c.Request.Context(), wallets, clockRangeMin)
	if err != nil {
		h.respondError(c, err, "export_failed")
		return
	}
	respondData(c, http.StatusOK, result)
}

func (h *httpHandler) handleSync(c *gin.Context) {
	var request peer.SyncTrigger
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Wallets) == 0 || strings.TrimSpace(request.CreatorNodeEndpoint) == "" {
		invalidRequest(c)
		return
	}
	primary := strings.TrimRight(strings.TrimSpace(request.CreatorNodeEndpoint), "/")
	if caller := strings.TrimRight(c.GetString(peerEndpointContextKey), "/"); caller != primary {
		h.logger.Warn("sync requested on behalf of another node",
			zap.String("caller", caller),
			zap.String("primary", primary))
		c.JSON(http.StatusForbidden, gin.H{"error": "endpoint_mismatch"})
		return
	}

	jobs := make([]replication.Job, 0, len(request.Wallets))
	for _, raw := range request.Wallets {
		wallet, err := ledger.NewWalletAddress(raw)
		if err != nil {
			h.respondError(c, err, "invalid_wallet")
			return
		}
		jobs = append(jobs, replication.Job{
			Kind:        replication.JobKindSecondary,
			Wallet:      wallet,
			Endpoint:    primary,
			BlockNumber: request.BlockNumber,
			ForceResync: request.ForceResync,
		})
	}

	if !request.Immediate {
		for _, job := range jobs {
			h.coordinator.Enqueue(job)
		}
		respondData(c, http.StatusAccepted, gin.H{"queued": len(jobs)})
		return
	}

	pending := make([]<-chan replication.JobResult, 0, len(jobs))
	for _, job := range jobs {
		pending = append(pending, h.coordinator.Submit(job))
	}
	response := replication.SyncResult{Wallets: make([]replication.WalletResult, 0, len(jobs))}
	for _, results := range pending {
		select {
		case <-c.Request.Context().Done():
			return
		case result := <-results:
			if result.Sync == nil {
				h.respondError(c, result.Err, "sync_failed")
				return
			}
			response.Wallets = append(response.Wallets, *result.Sync)
		}
	}
	respondData(c, http.StatusOK, response)
}

type mergeRequestPayload struct {
	Wallet   string `json:"wallet"`
	Endpoint string `json:"endpoint"`
}

func (h *httpHandler) handleMergePrimaryAndSecondary(c *gin.Context) {
	var request mergeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Endpoint) == "" {
		invalidRequest(c)
		return
	}
	wallet, err := ledger.NewWalletAddress(request.Wallet)
	if err != nil {
		h.respondError(c, err, "invalid_wallet")
		return
	}

	results := h.coordinator.Submit(replication.Job{
		Kind:     replication.JobKindRecovery,
		Wallet:   wallet,
		Endpoint: strings.TrimSpace(request.Endpoint),
	})
	select {
	case <-c.Request.Context().Done():
		return
	case result := <-results:
		if result.Err != nil {
			h.respondError(c, result.Err, "merge_failed")
			return
		}
		respondData(c, http.StatusOK, result.Recovery)
	}
}

func (h *httpHandler) handleSyncEvents(c *gin.Context) {
	wallet, err := ledger.NewWalletAddress(c.Query("wallet"))
	if err != nil {
		h.respondError(c, err, "invalid_wallet")
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, wallet.String())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent(realtimeEventHeartbeat, h.heartbeatPayload())
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(RealtimeEventSyncFinished, event)
			return true
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, h.heartbeatPayload())
			return true
		}
	})
}

func (h *httpHandler) heartbeatPayload() gin.H {
	return gin.H{
		"source":    realtimeSourceBackend,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}
