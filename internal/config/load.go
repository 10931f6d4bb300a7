package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/openmined/s3rotate/internal/utils"
	"github.com/spf13/viper"
)

const EnvPrefix = "S3ROTATE"

// ByteSize is a size in bytes. In config files and the environment it is either a
// plain number or a human readable size such as "64MiB" or "1GB".
type ByteSize int64

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// keys lists every setting, so that environment overrides apply even when a key
// is absent from both files
var keys = []string{
	"dest_bucket",
	"dest_endpoint",
	"region",
	"chunk_size",
	"on_mismatch",
	"lock_file",
	"metrics_file",
	"log_file",
	"dest_s3_keys.access_key_id",
	"dest_s3_keys.secret_access_key",
	"backup.directory",
	"backup.file_pattern",
	"backup.rotate_lvl",
	"backup.dest_prefix",
	"backup.remove_empty",
	"backup.disable_multipart",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("region", "us-east-1")
	v.SetDefault("chunk_size", int64(DefaultChunkSize))
	v.SetDefault("on_mismatch", "continue")
	v.SetDefault("backup.file_pattern", DefaultFilePattern)
	v.SetDefault("backup.rotate_lvl", DefaultRotateLvl)
	v.SetDefault("backup.remove_empty", true)
	v.SetDefault("backup.disable_multipart", false)
}

// Load reads the conf file and, when authPath is set, merges the auth file into it.
// S3ROTATE_* environment variables override both, with nested keys joined by an
// underscore (S3ROTATE_BACKUP_DIRECTORY). The result is validated.
func Load(confPath, authPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	setDefaults(v)

	if confPath != "" {
		v.SetConfigFile(confPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, readError(confPath, err)
		}
	}

	if authPath != "" {
		v.SetConfigFile(authPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, readError(authPath, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	cfg := &Config{Path: confPath}
	if err := v.Unmarshal(cfg, viper.DecodeHook(byteSizeHook())); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	if cfg.Backup.Directory != "" {
		dir, err := utils.ResolvePath(cfg.Backup.Directory)
		if err != nil {
			return nil, fmt.Errorf("%w: backup.directory: %w", ErrConfiguration, err)
		}
		cfg.Backup.Directory = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readError(path string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: config file %q not found", ErrConfiguration, path)
	}
	return fmt.Errorf("%w: read %q: %w", ErrConfiguration, path, err)
}

// byteSizeHook parses human readable sizes into ByteSize fields
func byteSizeHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}
		n, err := humanize.ParseBytes(strings.TrimSpace(data.(string)))
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", data, err)
		}
		return ByteSize(n), nil
	}
}
