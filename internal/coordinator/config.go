package coordinator

import (
	"crypto/ed25519"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ethosengine/elohim/internal/authz"
	"github.com/ethosengine/elohim/internal/core"
	"github.com/ethosengine/elohim/internal/health"
	"github.com/ethosengine/elohim/internal/kv"
	"github.com/ethosengine/elohim/internal/reconstruct"
	"github.com/ethosengine/elohim/internal/trust"
)

type Config struct {
	Network        NetworkConfig
	Storage        kv.Config
	Recovery       RecoveryConfig
	Reconstruction ReconstructionConfig
	Audit          AuditConfig
	Distribution   DistributionConfig
	Trust          TrustConfig
	Custodians     []CustodianConfig
	API            APIConfig
	Log            LogConfig
}

type NetworkConfig struct {
	ListenAddrs     []string
	KeyPath         string
	BootstrapPeers  []string
	ProtocolTimeout time.Duration
}

type RecoveryConfig struct {
	MinAuthorizations int
	RequestExpiry     time.Duration
	ChallengeExpiry   time.Duration
	AuthorizationTTL  time.Duration
	SweepInterval     time.Duration
}

type ReconstructionConfig struct {
	FetchTimeout       time.Duration
	MaxParallelFetches int
	GlobalFetchLimit   int
	ItemWorkers        int
	RetryAttempts      int
	RetryBackoff       time.Duration
	MaxDecodeAttempts  int
	SessionRetention   time.Duration
}

type AuditConfig struct {
	VerificationInterval time.Duration
	MaxFragmentAge       time.Duration
	Concurrency          int
	MinRegions           int
	MinTrustTiers        int
}

// DistributionConfig shapes newly authored content.
type DistributionConfig struct {
	K int
	N int
	// ReplicationWorkers bounds concurrent re-replication jobs.
	ReplicationWorkers int
}

type TrustConfig struct {
	ContactsFile string
	// Gateways maps gateway names to hex ed25519 public keys. Names are
	// matched in lower case.
	Gateways map[string]string
}

// CustodianConfig pre-registers a custodian that does not announce itself.
type CustodianConfig struct {
	ID        string
	Address   string
	Region    string
	TrustTier int
}

type APIConfig struct {
	ListenAddr string
}

type LogConfig struct {
	Level string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network.listenAddrs", []string{"/ip4/0.0.0.0/tcp/4001"})
	v.SetDefault("network.keyPath", "data/coordinator.key")
	v.SetDefault("network.bootstrapPeers", []string{})
	v.SetDefault("network.protocolTimeout", 30*time.Second)
	v.SetDefault("storage.driver", "badger")
	v.SetDefault("storage.path", "data/coordinator")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("recovery.minAuthorizations", 2)
	v.SetDefault("recovery.requestExpiry", 72*time.Hour)
	v.SetDefault("recovery.challengeExpiry", 24*time.Hour)
	v.SetDefault("recovery.authorizationTTL", 7*24*time.Hour)
	v.SetDefault("recovery.sweepInterval", time.Minute)
	v.SetDefault("reconstruction.fetchTimeout", 30*time.Second)
	v.SetDefault("reconstruction.maxParallelFetches", 4)
	v.SetDefault("reconstruction.globalFetchLimit", 16)
	v.SetDefault("reconstruction.itemWorkers", 2)
	v.SetDefault("reconstruction.retryAttempts", 3)
	v.SetDefault("reconstruction.retryBackoff", 500*time.Millisecond)
	v.SetDefault("reconstruction.maxDecodeAttempts", 64)
	v.SetDefault("reconstruction.sessionRetention", 15*time.Minute)
	v.SetDefault("audit.verificationInterval", 24*time.Hour)
	v.SetDefault("audit.maxFragmentAge", 7*24*time.Hour)
	v.SetDefault("audit.concurrency", 4)
	v.SetDefault("audit.minRegions", 3)
	v.SetDefault("audit.minTrustTiers", 2)
	v.SetDefault("distribution.k", core.DefaultLayout.K)
	v.SetDefault("distribution.n", core.DefaultLayout.N)
	v.SetDefault("distribution.replicationWorkers", 2)
	v.SetDefault("trust.contactsFile", "")
	v.SetDefault("api.listenAddr", ":8080")
	v.SetDefault("log.level", "info")
}

// LoadConfig reads the YAML file at path, if any, over the defaults.
// Environment variables such as ELOHIM_RECOVERY_MINAUTHORIZATIONS override
// both.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("elohim")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Layout().Validate(); err != nil {
		return Config{}, fmt.Errorf("distribution: %w", err)
	}
	return cfg, nil
}

func (c Config) Layout() core.Layout {
	return core.Layout{K: c.Distribution.K, N: c.Distribution.N}
}

func (c Config) authzConfig() (authz.Config, error) {
	gateways := make(map[string]ed25519.PublicKey, len(c.Trust.Gateways))
	for name, hexKey := range c.Trust.Gateways {
		key, err := trust.DecodePublicKey(hexKey)
		if err != nil {
			return authz.Config{}, fmt.Errorf("trust.gateways.%s: %w", name, err)
		}
		gateways[strings.ToLower(name)] = key
	}
	return authz.Config{
		MinAuthorizations: c.Recovery.MinAuthorizations,
		RequestExpiry:     c.Recovery.RequestExpiry,
		ChallengeExpiry:   c.Recovery.ChallengeExpiry,
		AuthorizationTTL:  c.Recovery.AuthorizationTTL,
		SweepInterval:     c.Recovery.SweepInterval,
		Gateways:          gateways,
	}, nil
}

func (c Config) reconstructConfig() reconstruct.Config {
	r := c.Reconstruction
	return reconstruct.Config{
		FetchTimeout:       r.FetchTimeout,
		MaxParallelFetches: r.MaxParallelFetches,
		GlobalFetchLimit:   r.GlobalFetchLimit,
		ItemWorkers:        r.ItemWorkers,
		RetryAttempts:      r.RetryAttempts,
		RetryBackoff:       r.RetryBackoff,
		MaxDecodeAttempts:  r.MaxDecodeAttempts,
		SessionRetention:   r.SessionRetention,
	}
}

func (c Config) auditConfig() health.Config {
	a := c.Audit
	return health.Config{
		VerificationInterval: a.VerificationInterval,
		MaxFragmentAge:       a.MaxFragmentAge,
		Concurrency:          a.Concurrency,
		MinRegions:           a.MinRegions,
		MinTrustTiers:        a.MinTrustTiers,
	}
}
