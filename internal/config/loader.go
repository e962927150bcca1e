package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Loader handles configuration loading from various sources
type Loader struct{}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll loads configuration for a command: defaults, then the global
// config file, then a local .cachet.* found by walking up from cwd, then
// CACHET_* environment variables, then flags.
func (l *Loader) LoadAll(cmd *cobra.Command) (*Config, error) {
	l.setupViperDefaults()
	l.loadGlobalConfig()
	l.loadLocalConfig()
	l.bindEnv()
	l.bindCommandFlags(cmd)

	return Load()
}

// setupViperDefaults sets up default values for viper
func (l *Loader) setupViperDefaults() {
	viper.SetDefault("cache_dir", defaultCacheDir())
	viper.SetDefault("cache_size", DefaultCacheSize)
	viper.SetDefault("backend", DefaultBackend)
	viper.SetDefault("store_mode", DefaultStoreMode)
	viper.SetDefault("port", DefaultPort)
	viper.SetDefault("connect_timeout", DefaultConnectTimeout)
	viper.SetDefault("retry.max_attempts", DefaultRetryAttempts)
	viper.SetDefault("retry.initial_interval", DefaultRetryInterval)
	viper.SetDefault("log_level", "warn")
}

// loadGlobalConfig loads the per-user config file
func (l *Loader) loadGlobalConfig() {
	confDir, err := os.UserConfigDir()
	if err != nil {
		return
	}

	globalDir := filepath.Join(confDir, "cachet")
	for _, ext := range []string{"yml", "yaml", "json", "toml"} {
		globalPath := filepath.Join(globalDir, "config."+ext)

		if _, err := os.Stat(globalPath); err == nil {
			viper.SetConfigFile(globalPath)

			if err := viper.ReadInConfig(); err == nil {
				break
			}
		}
	}
}

// loadLocalConfig loads project configuration found above the working
// directory; its values override the global file's.
func (l *Loader) loadLocalConfig() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	localPath := FindLocalConfig(cwd)
	if localPath != "" {
		viper.SetConfigFile(localPath)
		_ = viper.MergeInConfig()
	}
}

// bindEnv maps CACHET_* variables onto keys (dots become underscores).
func (l *Loader) bindEnv() {
	viper.SetEnvPrefix("CACHET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// bindCommandFlags binds command flags to viper
func (l *Loader) bindCommandFlags(cmd *cobra.Command) {
	for _, key := range []string{"cache_dir", "cache_size", "backend", "port", "read_only", "disabled", "log_level"} {
		flag := strings.ReplaceAll(key, "_", "-")
		if f := cmd.Flags().Lookup(flag); f != nil {
			_ = viper.BindPFlag(key, f)
		}
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "cachet")
	}
	return filepath.Join(os.TempDir(), "cachet")
}
