package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/FraMan97/modsync/internal/chunktable"
	"github.com/FraMan97/modsync/internal/models"
	"github.com/pkg/errors"
)

var (
	ErrInvalidAdmission    = errors.New("admission capacity, refill and interval must be greater than 0")
	ErrInvalidStoreBackend = errors.New("store backend must be 'local' or 's3'")
	ErrMissingS3Bucket     = errors.New("s3 store requires a bucket")
	ErrInvalidWorkers      = errors.New("workers must be between 1 and 16")
	ErrInvalidRetries      = errors.New("max attempts must be greater than 0")
	ErrInvalidRateWaits    = errors.New("rate limit waits must not be negative")
	ErrInvalidBufferSize   = errors.New("buffer size must be greater than 0")
	ErrMissingServerURL    = errors.New("server url must be set")
	ErrTLSPair             = errors.New("tls cert and key must be set together")
)

const ServiceName = "modsync"

type Admission struct {
	Capacity       int           `mapstructure:"capacity"`
	RefillTokens   int           `mapstructure:"refill_tokens"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
	MaxIdentities  int           `mapstructure:"max_identities"`
	TrustForwarded bool          `mapstructure:"trust_forwarded"`
}

type S3 struct {
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

type Store struct {
	Backend string `mapstructure:"backend"`
	S3      S3     `mapstructure:"s3"`
}

type Server struct {
	Port               int           `mapstructure:"port"`
	RepositoryDir      string        `mapstructure:"repository_dir"`
	DatabasePath       string        `mapstructure:"database_path"`
	Store              Store         `mapstructure:"store"`
	ChunkSize          int64         `mapstructure:"chunk_size"`
	CronScan           int           `mapstructure:"cron_scan"`
	Admission          Admission     `mapstructure:"admission"`
	AuthSecretHash     string        `mapstructure:"auth_secret_hash"`
	MaxConnections     int           `mapstructure:"max_connections"`
	ReadHeaderTimeout  time.Duration `mapstructure:"read_header_timeout"`
	TransferBufferSize int           `mapstructure:"transfer_buffer_size"`
	TLSCertFile        string        `mapstructure:"tls_cert_file"`
	TLSKeyFile         string        `mapstructure:"tls_key_file"`
}

type Client struct {
	ServerURL            string        `mapstructure:"server_url"`
	InstallDir           string        `mapstructure:"install_dir"`
	HistoryPath          string        `mapstructure:"history_path"`
	HistoryRetentionDays int           `mapstructure:"history_retention_days"`
	Secret               string        `mapstructure:"secret"`
	Workers              int           `mapstructure:"workers"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	RateLimitWaits       int           `mapstructure:"rate_limit_waits"`
	RetryDelay           time.Duration `mapstructure:"retry_delay"`
	ProbeTimeout         time.Duration `mapstructure:"probe_timeout"`
	StallTimeout         time.Duration `mapstructure:"stall_timeout"`
	BufferSize           int           `mapstructure:"buffer_size"`
	SocksProxy           string        `mapstructure:"socks_proxy"`
}

// BaseDir returns ~/.modsync/<role>.
func BaseDir(role string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "."+ServiceName, role), nil
}

func NewDefaultServer(baseDir string) *Server {
	return &Server{
		Port:          3000,
		RepositoryDir: filepath.Join(baseDir, "repository"),
		DatabasePath:  filepath.Join(baseDir, "database", "modsync_boltdb.db"),
		Store:         Store{Backend: "local"},
		ChunkSize:     models.DefaultChunkSize,
		CronScan:      300,
		Admission: Admission{
			Capacity:       120,
			RefillTokens:   120,
			RefillInterval: time.Minute,
			MaxIdentities:  10000,
		},
		MaxConnections:     512,
		ReadHeaderTimeout:  5 * time.Second,
		TransferBufferSize: 32 * 1024,
	}
}

func NewDefaultClient(baseDir string) *Client {
	return &Client{
		ServerURL:            "http://localhost:3000",
		InstallDir:           filepath.Join(baseDir, "packages"),
		HistoryPath:          filepath.Join(baseDir, "database", "modsync_history.db"),
		HistoryRetentionDays: 30,
		Workers:              2,
		MaxAttempts:          3,
		RateLimitWaits:       60,
		RetryDelay:           2 * time.Second,
		ProbeTimeout:         10 * time.Second,
		StallTimeout:         30 * time.Second,
		BufferSize:           32 * 1024,
	}
}

func (s *Server) Validate() error {
	if s.ChunkSize <= 0 {
		return chunktable.ErrInvalidChunkSize
	}
	a := s.Admission
	if a.Capacity <= 0 || a.RefillTokens <= 0 || a.RefillInterval <= 0 || a.MaxIdentities <= 0 {
		return ErrInvalidAdmission
	}
	switch s.Store.Backend {
	case "local":
	case "s3":
		if s.Store.S3.Bucket == "" {
			return ErrMissingS3Bucket
		}
	default:
		return ErrInvalidStoreBackend
	}
	if s.TransferBufferSize <= 0 {
		return ErrInvalidBufferSize
	}
	if (s.TLSCertFile == "") != (s.TLSKeyFile == "") {
		return ErrTLSPair
	}
	return nil
}

func (s *Server) TLSEnabled() bool {
	return s.TLSCertFile != "" && s.TLSKeyFile != ""
}

func (c *Client) Validate() error {
	if c.ServerURL == "" {
		return ErrMissingServerURL
	}
	if c.Workers < 1 || c.Workers > 16 {
		return ErrInvalidWorkers
	}
	if c.MaxAttempts < 1 {
		return ErrInvalidRetries
	}
	if c.RateLimitWaits < 0 {
		return ErrInvalidRateWaits
	}
	if c.BufferSize <= 0 {
		return ErrInvalidBufferSize
	}
	return nil
}
