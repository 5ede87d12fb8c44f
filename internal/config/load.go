package config

import (
	"log"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "MODSYNC"

// NewViper returns a viper instance reading <baseDir>/<name>.yaml (or cfgFile
// when set) and MODSYNC_* environment variables.
func NewViper(cfgFile, baseDir, name string) *viper.Viper {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(baseDir)
		v.SetConfigType("yaml")
		v.SetConfigName(name)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func readConfig(v *viper.Viper) error {
	err := v.ReadInConfig()
	if err == nil {
		log.Printf("[Config] - Using config file: %s\n", v.ConfigFileUsed())
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return errors.Wrap(err, "read config")
}

func LoadServer(v *viper.Viper, baseDir string) (*Server, error) {
	cfg := NewDefaultServer(baseDir)
	registerServerDefaults(v, cfg)
	if err := readConfig(v); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode server config")
	}
	return cfg, cfg.Validate()
}

func LoadClient(v *viper.Viper, baseDir string) (*Client, error) {
	cfg := NewDefaultClient(baseDir)
	registerClientDefaults(v, cfg)
	if err := readConfig(v); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode client config")
	}
	return cfg, cfg.Validate()
}

// Defaults are registered key by key so that AutomaticEnv can resolve every
// field during Unmarshal.
func registerServerDefaults(v *viper.Viper, s *Server) {
	v.SetDefault("port", s.Port)
	v.SetDefault("repository_dir", s.RepositoryDir)
	v.SetDefault("database_path", s.DatabasePath)
	v.SetDefault("store.backend", s.Store.Backend)
	v.SetDefault("store.s3.bucket", s.Store.S3.Bucket)
	v.SetDefault("store.s3.prefix", s.Store.S3.Prefix)
	v.SetDefault("store.s3.region", s.Store.S3.Region)
	v.SetDefault("store.s3.endpoint", s.Store.S3.Endpoint)
	v.SetDefault("chunk_size", s.ChunkSize)
	v.SetDefault("cron_scan", s.CronScan)
	v.SetDefault("admission.capacity", s.Admission.Capacity)
	v.SetDefault("admission.refill_tokens", s.Admission.RefillTokens)
	v.SetDefault("admission.refill_interval", s.Admission.RefillInterval)
	v.SetDefault("admission.max_identities", s.Admission.MaxIdentities)
	v.SetDefault("admission.trust_forwarded", s.Admission.TrustForwarded)
	v.SetDefault("auth_secret_hash", s.AuthSecretHash)
	v.SetDefault("max_connections", s.MaxConnections)
	v.SetDefault("read_header_timeout", s.ReadHeaderTimeout)
	v.SetDefault("transfer_buffer_size", s.TransferBufferSize)
	v.SetDefault("tls_cert_file", s.TLSCertFile)
	v.SetDefault("tls_key_file", s.TLSKeyFile)
}

func registerClientDefaults(v *viper.Viper, c *Client) {
	v.SetDefault("server_url", c.ServerURL)
	v.SetDefault("install_dir", c.InstallDir)
	v.SetDefault("history_path", c.HistoryPath)
	v.SetDefault("history_retention_days", c.HistoryRetentionDays)
	v.SetDefault("secret", c.Secret)
	v.SetDefault("workers", c.Workers)
	v.SetDefault("max_attempts", c.MaxAttempts)
	v.SetDefault("rate_limit_waits", c.RateLimitWaits)
	v.SetDefault("retry_delay", c.RetryDelay)
	v.SetDefault("probe_timeout", c.ProbeTimeout)
	v.SetDefault("stall_timeout", c.StallTimeout)
	v.SetDefault("buffer_size", c.BufferSize)
	v.SetDefault("socks_proxy", c.SocksProxy)
}
