package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/blacklist"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/export"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/replication"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/uploads"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	peerEndpointContextKey = "content_node_peer_endpoint"
	walletContextKey       = "content_node_wallet"
	defaultHeartbeat       = 25 * time.Second
)

var (
	errMissingExporter      = errors.New("exporter dependency required")
	errMissingCoordinator   = errors.New("sync coordinator dependency required")
	errMissingContent       = errors.New("content reader dependency required")
	errMissingBlacklist     = errors.New("blacklist dependency required")
	errMissingUploads       = errors.New("uploads dependency required")
	errMissingTokens        = errors.New("token validator dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Exporter serves history pages to peers.
type Exporter interface {
	Export(ctx context.Context, wallets []ledger.WalletAddress, clockRangeMin int64) (export.Result, error)
}

// SyncCoordinator schedules sync and recovery jobs.
type SyncCoordinator interface {
	Submit(job replication.Job) <-chan replication.JobResult
	Enqueue(job replication.Job)
}

// ContentReader resolves stored blobs.
type ContentReader interface {
	GetContent(ctx context.Context, multihash string) ([]byte, error)
	LocalContent(ctx context.Context, multihash string) ([]byte, error)
}

// Blacklist gates content delivery and accepts signed mutations.
type Blacklist interface {
	Add(ctx context.Context, mutation blacklist.Mutation) (blacklist.Outcome, error)
	Remove(ctx context.Context, mutation blacklist.Mutation) (blacklist.Outcome, error)
	List() blacklist.Listing
	IsServable(ctx context.Context, multihash string, trackID *int64) (bool, error)
}

// Uploader records user writes.
type Uploader interface {
	Signup(ctx context.Context, wallet ledger.WalletAddress) (ledger.CNodeUser, error)
	UploadImage(ctx context.Context, wallet ledger.WalletAddress, fileName string, data []byte) (ledger.File, error)
	UpdateProfile(ctx context.Context, wallet ledger.WalletAddress, update uploads.ProfileUpdate) (ledger.AudiusUser, error)
	UploadTrackContent(ctx context.Context, wallet ledger.WalletAddress, fileName string, data []byte) (uploads.TrackContent, error)
	CreateTrack(ctx context.Context, wallet ledger.WalletAddress, create uploads.TrackCreate) (ledger.Track, error)
}

// TokenValidator authenticates peers and writers.
type TokenValidator interface {
	ValidatePeerToken(token string) (string, error)
	ValidateWriterToken(token string) (string, error)
}

type Dependencies struct {
	Exporter     Exporter
	Coordinator  SyncCoordinator
	Content      ContentReader
	Blacklist    Blacklist
	Uploads      Uploader
	Tokens       TokenValidator
	Realtime     *RealtimeDispatcher
	Metrics      prometheus.Gatherer
	NodeEndpoint string
	Heartbeat    time.Duration
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Exporter == nil {
		return nil, errMissingExporter
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Content == nil {
		return nil, errMissingContent
	}
	if deps.Blacklist == nil {
		return nil, errMissingBlacklist
	}
	if deps.Uploads == nil {
		return nil, errMissingUploads
	}
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		exporter:     deps.Exporter,
		coordinator:  deps.Coordinator,
		content:      deps.Content,
		blacklist:    deps.Blacklist,
		uploads:      deps.Uploads,
		tokens:       deps.Tokens,
		realtime:     realtime,
		nodeEndpoint: deps.NodeEndpoint,
		heartbeat:    heartbeat,
		logger:       logger,
	}

	router.GET("/health_check", handler.handleHealthCheck)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))
	}

	router.GET("/export", handler.handleExport)
	router.GET("/sync/events", handler.handleSyncEvents)
	router.GET("/ipfs/:hash", handler.handleContent)
	router.GET("/blacklist", handler.handleListBlacklist)
	router.POST("/blacklist/add", handler.handleBlacklistAdd)
	router.POST("/blacklist/remove", handler.handleBlacklistRemove)

	peers := router.Group("/")
	peers.Use(handler.authorizePeer)
	peers.POST("/sync", handler.handleSync)
	peers.POST("/merge_primary_and_secondary", handler.handleMergePrimaryAndSecondary)
	peers.GET("/internal/lookup/:hash", handler.handleLocalLookup)

	writers := router.Group("/")
	writers.Use(handler.authorizeWriter)
	writers.POST("/users", handler.handleSignup)
	writers.POST("/audius_users", handler.handleUpdateProfile)
	writers.POST("/image_upload", handler.handleImageUpload)
	writers.POST("/track_content", handler.handleTrackContent)
	writers.POST("/tracks", handler.handleCreateTrack)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	exporter     Exporter
	coordinator  SyncCoordinator
	content      ContentReader
	blacklist    Blacklist
	uploads      Uploader
	tokens       TokenValidator
	realtime     *RealtimeDispatcher
	nodeEndpoint string
	heartbeat    time.Duration
	logger       *zap.Logger
}

func (h *httpHandler) handleHealthCheck(c *gin.Context) {
	respondData(c, http.StatusOK, gin.H{
		"healthy":  true,
		"endpoint": h.nodeEndpoint,
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *httpHandler) authorizePeer(c *gin.Context) {
	h.authorize(c, h.tokens.ValidatePeerToken, peerEndpointContextKey)
}

func (h *httpHandler) authorizeWriter(c *gin.Context) {
	h.authorize(c, h.tokens.ValidateWriterToken, walletContextKey)
}

func (h *httpHandler) authorize(c *gin.Context, validate func(string) (string, error), contextKey string) {
	token, err := auth.BearerToken(c.Request)
	if err != nil || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := validate(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(contextKey, subject)
	c.Next()
}

func respondData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"data": data})
}
