// Package config loads the plugin subsystem configuration from a YAML
// file and NXSH_PLUGIN_* environment variables, with defaults matching
// plugin.DefaultConfig.
package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"

	"github.com/nexus-shell/nxsh/pkg/plugin"
)

// Load reads configuration from the given file path. An empty path
// searches nxsh-plugin.yaml in the working directory and ~/.nxsh.
// A missing file is not an error in search mode; defaults and
// environment still apply.
func Load(path string) (*plugin.Config, error) {
	v := viper.New()

	defaults := plugin.DefaultConfig()
	v.SetDefault("plugin_dir", defaults.PluginDir)
	v.SetDefault("cache_dir", defaults.CacheDir)
	v.SetDefault("max_concurrent_executions", defaults.MaxConcurrentExecutions)
	v.SetDefault("execution_timeout", defaults.ExecutionTimeout)
	v.SetDefault("max_memory", defaults.MaxMemoryBytes)
	v.SetDefault("max_stack_size", defaults.MaxStackSize)
	v.SetDefault("enable_multi_memory", defaults.EnableMultiMemory)
	v.SetDefault("enable_threads", defaults.EnableThreads)
	v.SetDefault("enable_component_model", defaults.EnableComponentModel)
	v.SetDefault("security_policy", defaults.SecurityPolicy)
	v.SetDefault("require_signatures", defaults.RequireSignatures)
	v.SetDefault("enable_encryption", defaults.EnableEncryption)
	v.SetDefault("trust_store_path", defaults.TrustStorePath)
	v.SetDefault("policy_path", defaults.PolicyPath)
	v.SetDefault("encryption_identity", defaults.EncryptionIdentity)
	v.SetDefault("load_rate", defaults.LoadRate)
	v.SetDefault("load_burst", defaults.LoadBurst)

	v.SetEnvPrefix("NXSH_PLUGIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("nxsh-plugin")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.nxsh")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, plugin.WrapError(plugin.KindConfig, "config.load", "", "reading config file", err)
		}
	}

	cfg := &plugin.Config{
		PluginDir:               v.GetString("plugin_dir"),
		CacheDir:                v.GetString("cache_dir"),
		MaxConcurrentExecutions: v.GetInt64("max_concurrent_executions"),
		ExecutionTimeout:        v.GetDuration("execution_timeout"),
		MaxMemoryBytes:          v.GetInt64("max_memory"),
		MaxStackSize:            v.GetInt64("max_stack_size"),
		EnableMultiMemory:       v.GetBool("enable_multi_memory"),
		EnableThreads:           v.GetBool("enable_threads"),
		EnableComponentModel:    v.GetBool("enable_component_model"),
		SecurityPolicy:          v.GetString("security_policy"),
		RequireSignatures:       v.GetBool("require_signatures"),
		EnableEncryption:        v.GetBool("enable_encryption"),
		TrustStorePath:          v.GetString("trust_store_path"),
		PolicyPath:              v.GetString("policy_path"),
		EncryptionIdentity:      v.GetString("encryption_identity"),
		LoadRate:                v.GetFloat64("load_rate"),
		LoadBurst:               v.GetInt("load_burst"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
