package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/s3rotate/internal/backup"
	"github.com/openmined/s3rotate/internal/blob"
	"github.com/openmined/s3rotate/internal/utils"
)

var ErrConfiguration = errors.New("configuration error")

const (
	DefaultChunkSize   ByteSize = 1 << 30 // 1GiB
	DefaultRotateLvl            = 7
	DefaultFilePattern          = "*"

	// S3 rejects parts below 5MiB (except the last) and above 5GiB
	MinChunkSize ByteSize = 5 << 20
	MaxChunkSize ByteSize = 5 << 30
)

type Config struct {
	Path string `mapstructure:"-"`

	DestBucket   string     `mapstructure:"dest_bucket"`
	DestEndpoint string     `mapstructure:"dest_endpoint"`
	Region       string     `mapstructure:"region"`
	ChunkSize    ByteSize   `mapstructure:"chunk_size"`
	OnMismatch   string     `mapstructure:"on_mismatch"`
	LockFile     string     `mapstructure:"lock_file"`
	MetricsFile  string     `mapstructure:"metrics_file"`
	LogFile      string     `mapstructure:"log_file"`
	Keys         KeysConfig `mapstructure:"dest_s3_keys"`
	Backup       Backup     `mapstructure:"backup"`
}

type KeysConfig struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type Backup struct {
	Directory        string `mapstructure:"directory"`
	FilePattern      string `mapstructure:"file_pattern"`
	RotateLvl        int    `mapstructure:"rotate_lvl"`
	DestPrefix       string `mapstructure:"dest_prefix"`
	RemoveEmpty      bool   `mapstructure:"remove_empty"`
	DisableMultipart bool   `mapstructure:"disable_multipart"`
}

func (c *Config) Validate() error {
	if c.DestBucket == "" {
		return invalid("`dest_bucket` is required")
	}
	if c.DestEndpoint == "" {
		return invalid("`dest_endpoint` is required")
	}
	if !utils.IsValidURL(c.DestEndpoint) {
		return invalid("invalid `dest_endpoint` %q", c.DestEndpoint)
	}
	if c.Keys.AccessKeyID == "" {
		return invalid("`dest_s3_keys.access_key_id` is required")
	}
	if c.Keys.SecretAccessKey == "" {
		return invalid("`dest_s3_keys.secret_access_key` is required")
	}
	if c.ChunkSize < MinChunkSize || c.ChunkSize > MaxChunkSize {
		return invalid("`chunk_size` must be between %s and %s, got %s", MinChunkSize, MaxChunkSize, c.ChunkSize)
	}
	if !backup.MismatchPolicy(c.OnMismatch).Valid() {
		return invalid("`on_mismatch` must be %q or %q, got %q", backup.MismatchContinue, backup.MismatchAbort, c.OnMismatch)
	}
	return c.Backup.Validate()
}

func (b *Backup) Validate() error {
	if b.Directory == "" {
		return invalid("`backup.directory` is required")
	}
	if b.RotateLvl < 1 {
		return invalid("`backup.rotate_lvl` must be at least 1, got %d", b.RotateLvl)
	}
	if b.FilePattern == "" || !doublestar.ValidatePattern(b.FilePattern) {
		return invalid("invalid `backup.file_pattern` %q", b.FilePattern)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("path", c.Path),
		slog.String("dest_bucket", c.DestBucket),
		slog.String("dest_endpoint", c.DestEndpoint),
		slog.String("region", c.Region),
		slog.String("chunk_size", c.ChunkSize.String()),
		slog.String("access_key_id", utils.MaskSecret(c.Keys.AccessKeyID)),
		slog.String("directory", c.Backup.Directory),
		slog.String("file_pattern", c.Backup.FilePattern),
		slog.Int("rotate_lvl", c.Backup.RotateLvl),
		slog.String("dest_prefix", c.Backup.DestPrefix),
	)
}

// S3Config is the blob client configuration for the destination store
func (c *Config) S3Config() *blob.S3Config {
	cfg := blob.WithEndpointConfig(c.DestEndpoint, c.DestBucket, c.Keys.AccessKeyID, c.Keys.SecretAccessKey)
	if c.Region != "" {
		cfg.Region = c.Region
	}
	return cfg
}

// RotateParams describes one reconciliation pass over the configured backup directory
func (c *Config) RotateParams(dryRun bool) *backup.RotateParams {
	return &backup.RotateParams{
		Dir:              c.Backup.Directory,
		Pattern:          c.Backup.FilePattern,
		Prefix:           strings.Trim(c.Backup.DestPrefix, "/"),
		Depth:            c.Backup.RotateLvl,
		RemoveEmpty:      c.Backup.RemoveEmpty,
		DryRun:           dryRun,
		OnMismatch:       backup.MismatchPolicy(c.OnMismatch),
		ChunkSize:        int(c.ChunkSize),
		DisableMultipart: c.Backup.DisableMultipart,
	}
}

var unsafeLockChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// LockPath is lock_file, or a file in the OS temp dir unique to the bucket and prefix
func (c *Config) LockPath() string {
	if c.LockFile != "" {
		return c.LockFile
	}
	name := c.DestBucket
	if prefix := strings.Trim(c.Backup.DestPrefix, "/"); prefix != "" {
		name += "-" + prefix
	}
	name = unsafeLockChars.ReplaceAllString(name, "_")
	return filepath.Join(os.TempDir(), "s3rotate-"+name+".lock")
}
