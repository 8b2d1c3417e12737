// Package config loads the server configuration from a file and the
// environment. Every key can be overridden with an ACTIVAULT_ prefixed
// environment variable, with dots replaced by underscores.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"code.activault.org/server/internal/utils"
)

// Config is the full server configuration.
type Config struct {
	// Server
	ListenAddr string `mapstructure:"listen_addr"`

	// Store selection: "bolt" or "postgres"
	StoreDriver    string `mapstructure:"store_driver"`
	BoltPath       string `mapstructure:"bolt_path"`
	PostgresDSN    string `mapstructure:"postgres_dsn"`
	PostgresSchema string `mapstructure:"postgres_schema"`

	// Key at rest protection. An empty master secret selects plaintext
	// storage of server keys and PUK hashes.
	MasterSecret string `mapstructure:"master_secret"`

	// Identifier generation retry bounds
	ActivationIdIterations   int `mapstructure:"activation_id_iterations"`
	ActivationCodeIterations int `mapstructure:"activation_code_iterations"`
	TokenIdIterations        int `mapstructure:"token_id_iterations"`
	RecoveryCodeIterations   int `mapstructure:"recovery_code_iterations"`

	// Throttling
	DefaultMaxFailedAttempts  uint64 `mapstructure:"default_max_failed_attempts"`
	RecoveryMaxFailedAttempts uint64 `mapstructure:"recovery_max_failed_attempts"`

	// Signature verification
	SignatureValidationLookahead int `mapstructure:"signature_validation_lookahead"`

	// Activation expiry
	ActivationValidityBeforeActive time.Duration `mapstructure:"activation_validity_before_active"`

	// Outbound callbacks
	HTTPConnectionTimeout time.Duration `mapstructure:"http_connection_timeout"`
	HTTPProxyHost         string        `mapstructure:"http_proxy_host"`
	HTTPProxyPort         int           `mapstructure:"http_proxy_port"`
	HTTPProxyUsername     string        `mapstructure:"http_proxy_username"`
	HTTPProxyPassword     string        `mapstructure:"http_proxy_password"`
}

// Load reads the configuration from path (optional) and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ACTIVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("store_driver", "bolt")
	v.SetDefault("bolt_path", "activault.db")
	v.SetDefault("postgres_schema", "public")
	v.SetDefault("activation_id_iterations", 10)
	v.SetDefault("activation_code_iterations", 10)
	v.SetDefault("token_id_iterations", 10)
	v.SetDefault("recovery_code_iterations", 10)
	v.SetDefault("default_max_failed_attempts", 5)
	v.SetDefault("recovery_max_failed_attempts", 10)
	v.SetDefault("signature_validation_lookahead", 20)
	v.SetDefault("activation_validity_before_active", 2*time.Minute)
	v.SetDefault("http_connection_timeout", 5*time.Second)

	// keys without a real default are registered so that AutomaticEnv
	// reaches them during Unmarshal
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("master_secret", "")
	v.SetDefault("http_proxy_host", "")
	v.SetDefault("http_proxy_port", 0)
	v.SetDefault("http_proxy_username", "")
	v.SetDefault("http_proxy_password", "")

	if "" != path {
		v.SetConfigFile(path)
		err := v.ReadInConfig()
		if nil != err {
			return Config{}, utils.WrapError(err, 0, nil, "failed reading config file %s", path)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg)
	if nil != err {
		return Config{}, utils.WrapError(err, 0, nil, "failed config unmarshaling")
	}
	return cfg, nil
}
