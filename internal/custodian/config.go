package custodian

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Network   NetworkConfig
	Storage   StorageConfig
	Custodian ProfileConfig
	Log       LogConfig
}

type NetworkConfig struct {
	ListenAddrs     []string
	KeyPath         string
	BootstrapPeers  []string
	ProtocolTimeout time.Duration
}

// StorageConfig sizes are human readable, e.g. "20GB".
type StorageConfig struct {
	DataDir  string
	Capacity string
	Reserved string
}

// ProfileConfig is what the custodian announces about itself.
type ProfileConfig struct {
	Region           string
	TrustTier        int
	AnnounceInterval time.Duration
	ScrubInterval    time.Duration
}

type LogConfig struct {
	Level string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network.listenAddrs", []string{"/ip4/0.0.0.0/tcp/4002"})
	v.SetDefault("network.keyPath", "data/custodian.key")
	v.SetDefault("network.bootstrapPeers", []string{})
	v.SetDefault("network.protocolTimeout", 30*time.Second)
	v.SetDefault("storage.dataDir", "data/fragments")
	v.SetDefault("storage.capacity", "20GB")
	v.SetDefault("storage.reserved", "1GB")
	v.SetDefault("custodian.region", "")
	v.SetDefault("custodian.trustTier", 1)
	v.SetDefault("custodian.announceInterval", 5*time.Minute)
	v.SetDefault("custodian.scrubInterval", 6*time.Hour)
	v.SetDefault("log.level", "info")
}

// LoadConfig reads the YAML file at path, if any, over the defaults.
// Environment variables such as ELOHIM_STORAGE_CAPACITY override both.
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
	return cfg, nil
}
