package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bitlynq/internal/domain"
	"bitlynq/internal/engine"
)

const envPrefix = "BITLYNQ"

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Download struct {
		DataDir string
	}
	Engine struct {
		Mode              string
		ListenPort        int
		Seed              bool
		Trackers          []string
		EventInterval     time.Duration
		ReconcileInterval time.Duration
		MetadataTimeout   time.Duration
		ShutdownTimeout   time.Duration
		FileRefreshEvery  int
	}
	// Session holds the defaults used until settings are saved through the API.
	Session Session
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Auth struct {
		APIKeyHash string
		JWTSecret  string
		TokenTTL   time.Duration
	}
	Watch struct {
		Dirs     []string
		SavePath string
	}
	Log struct {
		Level string
	}
}

type Session struct {
	DownloadPath     string `mapstructure:"download_path"`
	MaxDownloadRate  int64  `mapstructure:"max_download_rate"`
	MaxUploadRate    int64  `mapstructure:"max_upload_rate"`
	MaxConnections   int    `mapstructure:"max_connections"`
	MaxUploads       int    `mapstructure:"max_uploads"`
	UseProxy         bool   `mapstructure:"use_proxy"`
	ProxyType        string `mapstructure:"proxy_type"`
	ProxyHost        string `mapstructure:"proxy_host"`
	ProxyPort        int    `mapstructure:"proxy_port"`
	ProxyUsername    string `mapstructure:"proxy_username"`
	ProxyPassword    string `mapstructure:"proxy_password"`
	EnableEncryption bool   `mapstructure:"enable_encryption"`
}

// Settings converts the configured session defaults into a domain snapshot.
func (s Session) Settings() domain.Settings {
	return domain.Settings{
		DownloadPath:     s.DownloadPath,
		MaxDownloadRate:  s.MaxDownloadRate,
		MaxUploadRate:    s.MaxUploadRate,
		MaxConnections:   s.MaxConnections,
		MaxUploads:       s.MaxUploads,
		UseProxy:         s.UseProxy,
		ProxyType:        s.ProxyType,
		ProxyHost:        s.ProxyHost,
		ProxyPort:        s.ProxyPort,
		ProxyUsername:    s.ProxyUsername,
		ProxyPassword:    s.ProxyPassword,
		EnableEncryption: s.EnableEncryption,
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server address is required")
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database path is required")
	}
	if strings.TrimSpace(c.Download.DataDir) == "" {
		return errors.New("download directory is required")
	}
	if _, err := engine.ParseMode(c.Engine.Mode); err != nil {
		return err
	}
	if c.Engine.ListenPort < 0 || c.Engine.ListenPort > 65535 {
		return fmt.Errorf("invalid engine listen port %d", c.Engine.ListenPort)
	}
	if c.Auth.APIKeyHash != "" && c.Auth.JWTSecret == "" {
		return errors.New("auth jwt secret is required when an api key hash is set")
	}
	if err := c.Session.Settings().Validate(); err != nil {
		return fmt.Errorf("session defaults: %w", err)
	}
	return nil
}

// SetupFlags registers the command line flags understood by the server.
func SetupFlags(cmd *cobra.Command) {
	flags := cmd.Flags()

	flags.String("config", "", "Path to a config file (default: ./config.*)")
	flags.String("engine-mode", string(engine.ModeAuto), "Engine adapter: auto, live or simulated")
	flags.String("addr", "", "HTTP listen address")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
}

// BindFlags binds the server flags to their configuration keys.
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	bindings := map[string]string{
		"engine.mode": "engine-mode",
		"server.addr": "addr",
		"log.level":   "log-level",
	}
	for key, flag := range bindings {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			return fmt.Errorf("binding flag %s: not defined", flag)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag %s: %w", flag, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables and an optional config
// file. An explicit configFile must exist; otherwise ./config.* is optional.
func Load(v *viper.Viper, configFile string) (Config, error) {
	loadDotEnv()

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := domain.DefaultSettings()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/bitlynq.db")
	v.SetDefault("download.datadir", "data/downloads")

	v.SetDefault("engine.mode", string(engine.ModeAuto))
	v.SetDefault("engine.listenport", 42069)
	v.SetDefault("engine.seed", true)
	v.SetDefault("engine.trackers", []string{})
	v.SetDefault("engine.eventinterval", 100*time.Millisecond)
	v.SetDefault("engine.reconcileinterval", time.Duration(0))
	v.SetDefault("engine.metadatatimeout", 60*time.Second)
	v.SetDefault("engine.shutdowntimeout", 15*time.Second)
	v.SetDefault("engine.filerefreshevery", 5)

	v.SetDefault("session.download_path", "data/downloads")
	v.SetDefault("session.max_download_rate", defaults.MaxDownloadRate)
	v.SetDefault("session.max_upload_rate", defaults.MaxUploadRate)
	v.SetDefault("session.max_connections", defaults.MaxConnections)
	v.SetDefault("session.max_uploads", defaults.MaxUploads)
	v.SetDefault("session.use_proxy", defaults.UseProxy)
	v.SetDefault("session.proxy_type", defaults.ProxyType)
	v.SetDefault("session.proxy_host", defaults.ProxyHost)
	v.SetDefault("session.proxy_port", defaults.ProxyPort)
	v.SetDefault("session.proxy_username", "")
	v.SetDefault("session.proxy_password", "")
	v.SetDefault("session.enable_encryption", defaults.EnableEncryption)

	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "bitlynq")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")

	v.SetDefault("auth.apikeyhash", "")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.tokenttl", 12*time.Hour)

	v.SetDefault("watch.dirs", []string{})
	v.SetDefault("watch.savepath", "")

	v.SetDefault("log.level", "info")
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
