package coordinator

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds the coordinator's tunables, grounded on
// github.com/marmos91/dittofs's pkg/metadata/lock.Config: mapstructure
// tags for viper binding, yaml tags for file config, validator tags for
// spf13/cobra-fronted startup validation, DefaultConfig returning the
// bit-exact constants spec.md §6 requires.
type Config struct {
	// PersistenceKey, ProjectID, and DatabaseID together derive the
	// storage prefix used for side-channel keys and, where a backend
	// needs one, a storage namespace: firestore/<persistenceKey>/<projectId[.databaseId]>/
	PersistenceKey string `mapstructure:"persistence_key" yaml:"persistenceKey" validate:"required"`
	ProjectID      string `mapstructure:"project_id" yaml:"projectId" validate:"required"`
	DatabaseID     string `mapstructure:"database_id" yaml:"databaseId"`

	// ClientMetadataMaxAge is the age threshold past which a client's
	// heartbeat is considered stale. Bit-exact default: 5000ms.
	ClientMetadataMaxAge time.Duration `mapstructure:"client_metadata_max_age" yaml:"clientMetadataMaxAge" validate:"required,gt=0"`

	// ClientStateGCThreshold bounds how often a GC pass may run and how
	// old a client's metadata must be to be collected. Bit-exact
	// default: 1_800_000ms (30 minutes).
	ClientStateGCThreshold time.Duration `mapstructure:"client_state_gc_threshold" yaml:"clientStateGCThreshold" validate:"required,gt=0"`

	// ClientMetadataRefreshInterval is the refresher's tick period.
	// Bit-exact default: 4000ms.
	ClientMetadataRefreshInterval time.Duration `mapstructure:"client_metadata_refresh_interval" yaml:"clientMetadataRefreshInterval" validate:"required,gt=0"`

	// AllowTabSynchronization is this client's opt-in to sharing
	// primary-holder access with other clients once it becomes
	// primary (spec.md §3 PrimaryClient.allowTabSynchronization).
	AllowTabSynchronization bool `mapstructure:"allow_tab_synchronization" yaml:"allowTabSynchronization"`
}

// DefaultConfig returns a Config with spec.md §6's bit-exact constants
// and AllowTabSynchronization defaulted to true (the common case: tabs
// of the same app cooperate).
func DefaultConfig() Config {
	return Config{
		ClientMetadataMaxAge:          5000 * time.Millisecond,
		ClientStateGCThreshold:        1_800_000 * time.Millisecond,
		ClientMetadataRefreshInterval: 4000 * time.Millisecond,
		AllowTabSynchronization:       true,
	}
}

var configValidator = validator.New()

// LoadConfig loads a Config from file, environment, and defaults,
// grounded on github.com/marmos91/dittofs's pkg/config.Load: viper
// binds an optional YAML file plus LEASECOORD_-prefixed environment
// variables over DefaultConfig's bit-exact constants, and
// go-playground/validator enforces the struct's `validate` tags before
// the result is handed back to the caller.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (LEASECOORD_*)
//  2. Configuration file (configPath, if non-empty and present)
//  3. DefaultConfig's values
func LoadConfig(configPath string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEASECOORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := DefaultConfig()
	v.SetDefault("persistence_key", def.PersistenceKey)
	v.SetDefault("project_id", def.ProjectID)
	v.SetDefault("database_id", def.DatabaseID)
	v.SetDefault("client_metadata_max_age", def.ClientMetadataMaxAge)
	v.SetDefault("client_state_gc_threshold", def.ClientStateGCThreshold)
	v.SetDefault("client_metadata_refresh_interval", def.ClientMetadataRefreshInterval)
	v.SetDefault("allow_tab_synchronization", def.AllowTabSynchronization)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := configValidator.Struct(&cfg); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// StoragePrefix derives the storage prefix named in spec.md §6:
// firestore/<persistenceKey>/<projectId[.databaseId]>/. Dots are
// unambiguous separators because project IDs are DNS labels.
func (c Config) StoragePrefix() string {
	ns := c.ProjectID
	if c.DatabaseID != "" {
		ns = c.ProjectID + "." + c.DatabaseID
	}
	return "firestore/" + c.PersistenceKey + "/" + ns + "/"
}
