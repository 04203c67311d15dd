// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.


package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/cardinalhq/varstore/internal/derivecache"
	"github.com/cardinalhq/varstore/internal/memstore"
	"github.com/cardinalhq/varstore/internal/ownerevents"
	"github.com/cardinalhq/varstore/internal/varstore"
	"github.com/cardinalhq/varstore/internal/writebehind"
)

const (
	BackendPostgres = "postgres"
	BackendLevelDB  = "leveldb"
)

// Config aggregates configuration for the application.
// Each field is owned by its respective package.
type Config struct {
	Store       memstore.Config    `mapstructure:"store"`
	Persist     writebehind.Config `mapstructure:"persist"`
	Cache       derivecache.Config `mapstructure:"cache"`
	Backend     BackendConfig      `mapstructure:"backend"`
	OwnerEvents ownerevents.Config `mapstructure:"ownerevents"`
}

// BackendConfig selects the durable store. PostgreSQL connection details
// come from the VARSTOREDB_* variables, not from here.
type BackendConfig struct {
	Type        string `mapstructure:"type"`
	LevelDBPath string `mapstructure:"leveldb_path"`
	LevelDBSync bool   `mapstructure:"leveldb_sync"`
}

func defaults() *Config {
	return &Config{
		Store:       memstore.DefaultConfig(),
		Persist:     writebehind.DefaultConfig(),
		Cache:       derivecache.DefaultConfig(),
		Backend:     BackendConfig{Type: BackendPostgres, LevelDBPath: "varstore.ldb"},
		OwnerEvents: ownerevents.DefaultConfig(),
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "VARSTORE" and the dot character
// in keys is replaced by an underscore. For example,
// "persist.flush_interval" becomes "VARSTORE_PERSIST_FLUSH_INTERVAL".
func Load() (*Config, error) {
	cfg := defaults()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("VARSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if b := v.GetString("ownerevents.brokers"); b != "" {
		cfg.OwnerEvents.Brokers = strings.Split(b, ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend.Type {
	case BackendPostgres:
	case BackendLevelDB:
		if c.Backend.LevelDBPath == "" {
			errs = append(errs, errors.New("backend.leveldb_path is required for the leveldb backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend.type must be %q or %q, got %q", BackendPostgres, BackendLevelDB, c.Backend.Type))
	}
	if r := c.Store; r.WarnRatio <= 0 || r.EvictRatio <= r.WarnRatio || r.EvictRatio > 1 {
		errs = append(errs, fmt.Errorf("store ratios must satisfy 0 < warn_ratio < evict_ratio <= 1, got %.2f and %.2f", r.WarnRatio, r.EvictRatio))
	}
	if c.OwnerEvents.Enabled && (len(c.OwnerEvents.Brokers) == 0 || c.OwnerEvents.Topic == "") {
		errs = append(errs, errors.New("ownerevents.brokers and ownerevents.topic are required when owner events are enabled"))
	}
	return errors.Join(errs...)
}

// Service returns the variable store's part of the configuration.
func (c *Config) Service() varstore.Config {
	return varstore.Config{
		Store:   c.Store,
		Persist: c.Persist,
		Cache:   c.Cache,
	}
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(append([]string(nil), parts...), tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
