package config

import (
	"fmt"
	"strings"

	"github.com/songzhibin97/edgegate/internal/config/source/etcd"
	"github.com/songzhibin97/edgegate/internal/config/source/file"
	"github.com/songzhibin97/edgegate/internal/config/source/redis"
	pkgConfig "github.com/songzhibin97/edgegate/pkg/config"
)

// Source drivers
const (
	DriverStatic = ""
	DriverFile   = "file"
	DriverEtcd   = "etcd"
	DriverRedis  = "redis"
)

// ValidateSourceConfig checks the settings required by the selected driver.
func ValidateSourceConfig(cfg *Config) error {
	source := cfg.ConfigSource.Source

	switch strings.ToLower(source.Driver) {
	case DriverStatic:
		return nil
	case DriverFile:
		if source.File.Path == "" && cfg.path == "" {
			return fmt.Errorf("file source requires config.source.file.path")
		}
	case DriverEtcd:
		if len(source.Etcd.Endpoints) == 0 {
			return fmt.Errorf("etcd source requires at least one endpoint")
		}
		if source.Etcd.Key == "" {
			return fmt.Errorf("etcd source requires a key")
		}
	case DriverRedis:
		if source.Redis.Address == "" {
			return fmt.Errorf("redis source requires an address")
		}
		if source.Redis.Key == "" {
			return fmt.Errorf("redis source requires a key")
		}
	default:
		return fmt.Errorf("unsupported configuration source driver: %s", source.Driver)
	}
	return nil
}

// CreateConfigSource creates the routing document source selected by the
// configuration. It returns nil for the static driver.
func CreateConfigSource(cfg *Config) (pkgConfig.Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}
	if err := ValidateSourceConfig(cfg); err != nil {
		return nil, err
	}

	source := cfg.ConfigSource.Source

	switch strings.ToLower(source.Driver) {
	case DriverStatic:
		return nil, nil
	case DriverFile:
		path := source.File.Path
		if path == "" {
			// follow the main configuration file
			path = cfg.path
		}
		src, err := file.NewFileSource(path, source.File.Debounce)
		if err != nil {
			return nil, fmt.Errorf("failed to create file source: %w", err)
		}
		return src, nil
	case DriverEtcd:
		src, err := etcd.NewEtcdSource(&etcd.EtcdConfig{
			Endpoints: source.Etcd.Endpoints,
			Timeout:   source.Etcd.Timeout,
			Username:  source.Etcd.Username,
			Password:  source.Etcd.Password,
		}, source.Etcd.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to create etcd source: %w", err)
		}
		return src, nil
	case DriverRedis:
		src, err := redis.NewRedisSource(&redis.RedisConfig{
			Address:  source.Redis.Address,
			Password: source.Redis.Password,
			DB:       source.Redis.DB,
			Timeout:  source.Redis.Timeout,
		}, source.Redis.Key, source.Redis.Channel)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis source: %w", err)
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unsupported configuration source driver: %s", source.Driver)
	}
}
