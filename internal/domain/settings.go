package domain

import (
	"fmt"
	"strings"
	"time"
)

// Settings is an immutable snapshot of the session configuration in force at
// a point in time. Rates are bytes per second; zero means unlimited.
type Settings struct {
	DownloadPath     string `json:"download_path"`
	MaxDownloadRate  int64  `json:"max_download_rate"`
	MaxUploadRate    int64  `json:"max_upload_rate"`
	MaxConnections   int    `json:"max_connections"`
	MaxUploads       int    `json:"max_uploads"`
	UseProxy         bool   `json:"use_proxy"`
	ProxyType        string `json:"proxy_type"`
	ProxyHost        string `json:"proxy_host"`
	ProxyPort        int    `json:"proxy_port"`
	ProxyUsername    string `json:"proxy_username,omitempty"`
	ProxyPassword    string `json:"proxy_password,omitempty"`
	EnableEncryption bool   `json:"enable_encryption"`
}

// DefaultSettings mirrors the defaults shipped in the sample configuration.
func DefaultSettings() Settings {
	return Settings{
		DownloadPath:   "./downloads",
		MaxConnections: 200,
		MaxUploads:     4,
		ProxyType:      "socks5",
		ProxyHost:      "127.0.0.1",
		ProxyPort:      9050,
	}
}

// Validate rejects snapshots the engine cannot honor.
func (s Settings) Validate() error {
	if s.MaxDownloadRate < 0 || s.MaxUploadRate < 0 {
		return fmt.Errorf("rate limits cannot be negative")
	}
	if s.MaxConnections < 0 || s.MaxUploads < 0 {
		return fmt.Errorf("connection limits cannot be negative")
	}
	if s.UseProxy {
		switch strings.ToLower(s.ProxyType) {
		case "socks5", "http":
		default:
			return fmt.Errorf("unsupported proxy type %q", s.ProxyType)
		}
		if strings.TrimSpace(s.ProxyHost) == "" {
			return fmt.Errorf("proxy host is required")
		}
		if s.ProxyPort <= 0 || s.ProxyPort > 65535 {
			return fmt.Errorf("invalid proxy port %d", s.ProxyPort)
		}
	}
	return nil
}

// UploadRecord captures one export of a job's payload to remote storage.
type UploadRecord struct {
	ID        string
	JobHash   string
	JobName   string
	Provider  string
	Location  string
	Size      int64
	CreatedAt time.Time
}
