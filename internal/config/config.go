package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	envPrefix                     = "CONTENT_NODE"
	defaultHTTPAddress            = "0.0.0.0:4000"
	defaultDatabasePath           = "content-node.db"
	defaultStoragePath            = "file_storage"
	defaultLogLevel               = "info"
	defaultMaxExportClockRange    = 10000
	defaultFileSaveConcurrency    = 10
	defaultSyncMaxAttempts        = 3
	defaultSyncBackoff            = time.Second
	defaultSyncMaxConcurrentJobs  = 15
	defaultPeerTimeout            = 5 * time.Second
	defaultRequestTimeout         = 45 * time.Second
	defaultPublicFallbackEnabled  = true
	defaultPublicGatewayAddress   = "localhost:5001"
	defaultSignatureWindow        = 5 * time.Minute
	defaultTokenTTL               = 30 * time.Minute
	defaultTranscodePollAttempts  = 50
	defaultTranscodePollMinDelay  = time.Second
	defaultTranscodePollMaxDelay  = 5 * time.Second
	configKeyPeerSigningSecret    = "peer.signing_secret"
	configKeyBlacklistOperator    = "blacklist.operator_wallet"
	configKeyNodeEndpoint         = "node.endpoint"
	configKeyReplicaPeers         = "node.replica_peers"
	configKeyCIDWhitelist         = "blacklist.cid_whitelist"
	configKeyTranscodeCandidates  = "transcode.candidates"
	configKeyIndexerEndpoint      = "indexer.endpoint"
	configKeyPublicGatewayAddress = "content.public_gateway"
)

// AppConfig captures runtime configuration for the content node.
type AppConfig struct {
	HTTPAddress  string `validate:"required"`
	DatabasePath string `validate:"required"`
	StoragePath  string `validate:"required"`
	LogLevel     string

	NodeEndpoint string   `validate:"required,url"`
	ReplicaPeers []string `validate:"dive,url"`

	PeerSigningSecret string        `validate:"required,min=16"`
	TokenTTL          time.Duration `validate:"gt=0"`
	RequestTimeout    time.Duration `validate:"gt=0"`

	MaxExportClockValueRange int64         `validate:"gt=0"`
	FileSaveConcurrency      int           `validate:"gt=0"`
	SyncMaxAttempts          uint          `validate:"gt=0"`
	SyncBackoff              time.Duration `validate:"gte=0"`
	SyncMaxConcurrentJobs    int64         `validate:"gt=0"`

	PeerTimeout           time.Duration `validate:"gt=0"`
	PublicFallbackEnabled bool
	PublicGatewayAddress  string

	BlacklistOperatorWallet string        `validate:"required,eth_addr"`
	SignatureWindow         time.Duration `validate:"gt=0"`
	CIDWhitelist            []string

	IndexerEndpoint string `validate:"omitempty,url"`

	TranscodeCandidates   []string `validate:"dive,url"`
	TranscodePollAttempts uint     `validate:"gt=0"`
	TranscodePollMinDelay time.Duration
	TranscodePollMaxDelay time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("storage.path", defaultStoragePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl", defaultTokenTTL)
	configViper.SetDefault("http.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("export.max_clock_range", defaultMaxExportClockRange)
	configViper.SetDefault("sync.file_save_concurrency", defaultFileSaveConcurrency)
	configViper.SetDefault("sync.max_attempts", defaultSyncMaxAttempts)
	configViper.SetDefault("sync.backoff", defaultSyncBackoff)
	configViper.SetDefault("sync.max_concurrent_jobs", defaultSyncMaxConcurrentJobs)
	configViper.SetDefault("content.peer_timeout", defaultPeerTimeout)
	configViper.SetDefault("content.public_fallback_enabled", defaultPublicFallbackEnabled)
	configViper.SetDefault(configKeyPublicGatewayAddress, defaultPublicGatewayAddress)
	configViper.SetDefault("blacklist.signature_window", defaultSignatureWindow)
	configViper.SetDefault("transcode.poll_attempts", defaultTranscodePollAttempts)
	configViper.SetDefault("transcode.poll_min_delay", defaultTranscodePollMinDelay)
	configViper.SetDefault("transcode.poll_max_delay", defaultTranscodePollMaxDelay)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:              configViper.GetString("http.address"),
		DatabasePath:             configViper.GetString("database.path"),
		StoragePath:              configViper.GetString("storage.path"),
		LogLevel:                 configViper.GetString("log.level"),
		NodeEndpoint:             strings.TrimRight(strings.TrimSpace(configViper.GetString(configKeyNodeEndpoint)), "/"),
		ReplicaPeers:             splitList(configViper.GetStringSlice(configKeyReplicaPeers)),
		PeerSigningSecret:        configViper.GetString(configKeyPeerSigningSecret),
		TokenTTL:                 configViper.GetDuration("token.ttl"),
		RequestTimeout:           configViper.GetDuration("http.request_timeout"),
		MaxExportClockValueRange: configViper.GetInt64("export.max_clock_range"),
		FileSaveConcurrency:      configViper.GetInt("sync.file_save_concurrency"),
		SyncMaxAttempts:          configViper.GetUint("sync.max_attempts"),
		SyncBackoff:              configViper.GetDuration("sync.backoff"),
		SyncMaxConcurrentJobs:    configViper.GetInt64("sync.max_concurrent_jobs"),
		PeerTimeout:              configViper.GetDuration("content.peer_timeout"),
		PublicFallbackEnabled:    configViper.GetBool("content.public_fallback_enabled"),
		PublicGatewayAddress:     configViper.GetString(configKeyPublicGatewayAddress),
		BlacklistOperatorWallet:  strings.TrimSpace(configViper.GetString(configKeyBlacklistOperator)),
		SignatureWindow:          configViper.GetDuration("blacklist.signature_window"),
		CIDWhitelist:             splitList(configViper.GetStringSlice(configKeyCIDWhitelist)),
		IndexerEndpoint:          strings.TrimRight(strings.TrimSpace(configViper.GetString(configKeyIndexerEndpoint)), "/"),
		TranscodeCandidates:      splitList(configViper.GetStringSlice(configKeyTranscodeCandidates)),
		TranscodePollAttempts:    configViper.GetUint("transcode.poll_attempts"),
		TranscodePollMinDelay:    configViper.GetDuration("transcode.poll_min_delay"),
		TranscodePollMaxDelay:    configViper.GetDuration("transcode.poll_max_delay"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			first := validationErrors[0]
			return fmt.Errorf("config: %s failed %q validation", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	if c.PublicFallbackEnabled && strings.TrimSpace(c.PublicGatewayAddress) == "" {
		return fmt.Errorf("%s is required when the public fallback is enabled", configKeyPublicGatewayAddress)
	}
	if c.TranscodePollMaxDelay < c.TranscodePollMinDelay {
		return fmt.Errorf("transcode.poll_max_delay must not be lower than transcode.poll_min_delay")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimRight(strings.TrimSpace(part), "/")
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
