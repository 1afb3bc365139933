// Package config загружает настройки сервиса звонков из INI-файла.
//
// Пример файла:
//
//	[provider]
//	name = MyApp
//	supports_video = true
//
//	[store]
//	tombstones = 1024
//
//	[dispatch]
//	workers = 8
//	queue_size = 256
//	delayed_limit = 128
//
//	[logging]
//	level = debug
//	json = false
//	file = /var/log/callkeep.log
//
//	[metrics]
//	enabled = true
//	namespace = callkeep
//	listen = :9090
package config

import (
	"errors"
	"fmt"

	ini "gopkg.in/ini.v1"

	"github.com/arzzra/callkeep/pkg/dispatch"
	"github.com/arzzra/callkeep/pkg/logger"
	"github.com/arzzra/callkeep/pkg/metrics"
	"github.com/arzzra/callkeep/pkg/session"
)

// ProviderConfig параметры регистрации провайдера
type ProviderConfig struct {
	Name          string
	SupportsVideo bool
}

// StoreConfig параметры хранилища сессий
type StoreConfig struct {
	// Tombstones сколько завершенных id помнить для диагностики
	Tombstones int
}

// MetricsConfig параметры метрик
type MetricsConfig struct {
	Enabled   bool
	Namespace string
	Subsystem string
	// Listen адрес HTTP-сервера /metrics, пустой - не запускать
	Listen string
}

// Config конфигурация сервиса
type Config struct {
	Provider ProviderConfig
	Store    StoreConfig
	Dispatch dispatch.Config
	Logging  logger.Config
	Metrics  MetricsConfig
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	m := metrics.DefaultConfig()
	return Config{
		Provider: ProviderConfig{Name: "CallKeep"},
		Store:    StoreConfig{Tombstones: session.DefaultTombstones},
		Dispatch: dispatch.DefaultConfig(),
		Logging:  logger.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:   m.Enabled,
			Namespace: m.Namespace,
			Subsystem: m.Subsystem,
		},
	}
}

// Load читает конфигурацию из файла. Отсутствующие ключи получают значения по умолчанию.
func Load(path string) (Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return Config{}, fmt.Errorf("загрузка конфигурации %s: %w", path, err)
	}
	return Parse(file)
}

// Parse разбирает уже загруженный INI-файл
func Parse(file *ini.File) (Config, error) {
	def := DefaultConfig()
	cfg := def

	sec := file.Section("provider")
	cfg.Provider.Name = sec.Key("name").MustString(def.Provider.Name)
	cfg.Provider.SupportsVideo = sec.Key("supports_video").MustBool(def.Provider.SupportsVideo)

	sec = file.Section("store")
	cfg.Store.Tombstones = sec.Key("tombstones").MustInt(def.Store.Tombstones)

	sec = file.Section("dispatch")
	cfg.Dispatch.Workers = sec.Key("workers").MustInt(def.Dispatch.Workers)
	cfg.Dispatch.QueueSize = sec.Key("queue_size").MustInt(def.Dispatch.QueueSize)
	cfg.Dispatch.DelayedLimit = sec.Key("delayed_limit").MustInt(def.Dispatch.DelayedLimit)

	sec = file.Section("logging")
	cfg.Logging.Level = logger.ParseLevel(sec.Key("level").MustString(def.Logging.Level.String()))
	cfg.Logging.JSON = sec.Key("json").MustBool(def.Logging.JSON)
	cfg.Logging.File = sec.Key("file").String()
	cfg.Logging.MaxSizeMB = sec.Key("max_size_mb").MustInt(def.Logging.MaxSizeMB)
	cfg.Logging.MaxBackups = sec.Key("max_backups").MustInt(def.Logging.MaxBackups)
	cfg.Logging.MaxAgeDays = sec.Key("max_age_days").MustInt(def.Logging.MaxAgeDays)

	sec = file.Section("metrics")
	cfg.Metrics.Enabled = sec.Key("enabled").MustBool(def.Metrics.Enabled)
	cfg.Metrics.Namespace = sec.Key("namespace").MustString(def.Metrics.Namespace)
	cfg.Metrics.Subsystem = sec.Key("subsystem").MustString(def.Metrics.Subsystem)
	cfg.Metrics.Listen = sec.Key("listen").String()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет значения конфигурации
func (c Config) Validate() error {
	var errs []error
	if c.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name не задан"))
	}
	if c.Store.Tombstones < 0 {
		errs = append(errs, fmt.Errorf("store.tombstones отрицательный: %d", c.Store.Tombstones))
	}
	if c.Dispatch.Workers < 0 {
		errs = append(errs, fmt.Errorf("dispatch.workers отрицательный: %d", c.Dispatch.Workers))
	}
	if c.Dispatch.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("dispatch.queue_size отрицательный: %d", c.Dispatch.QueueSize))
	}
	if c.Dispatch.DelayedLimit < 0 {
		errs = append(errs, fmt.Errorf("dispatch.delayed_limit отрицательный: %d", c.Dispatch.DelayedLimit))
	}
	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		errs = append(errs, errors.New("metrics.namespace не задан"))
	}
	return errors.Join(errs...)
}

// MetricsCollectorConfig переводит секцию метрик в конфигурацию сборщика
func (c Config) MetricsCollectorConfig() metrics.Config {
	return metrics.Config{
		Enabled:   c.Metrics.Enabled,
		Namespace: c.Metrics.Namespace,
		Subsystem: c.Metrics.Subsystem,
	}
}
