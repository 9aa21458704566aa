package downloader

import (
	"context"
	"fmt"
	"strings"

	"bitlynq/internal/domain"
	"bitlynq/internal/engine"
)

// buildSessionSettings converts a settings snapshot into one complete engine
// settings object. Proxy and encryption blocks are only present when enabled.
func buildSessionSettings(s domain.Settings) engine.SessionSettings {
	out := engine.SessionSettings{
		ConnectionsLimit:  s.MaxConnections,
		UnchokeSlotsLimit: s.MaxUploads,
	}
	if s.MaxDownloadRate > 0 {
		out.DownloadRateLimit = s.MaxDownloadRate
	}
	if s.MaxUploadRate > 0 {
		out.UploadRateLimit = s.MaxUploadRate
	}
	if s.UseProxy {
		out.Proxy = &engine.ProxySettings{
			Type:     strings.ToLower(s.ProxyType),
			Host:     s.ProxyHost,
			Port:     s.ProxyPort,
			Username: s.ProxyUsername,
			Password: s.ProxyPassword,
		}
	}
	if s.EnableEncryption {
		out.Encryption = &engine.EncryptionPolicy{Forced: true}
	}
	return out
}

func (m *manager) applySettings(adapter engine.Adapter, s domain.Settings) error {
	report, err := adapter.ApplySettings(buildSessionSettings(s))
	if err != nil {
		return fmt.Errorf("apply settings: %w", err)
	}
	for _, field := range report.Unsupported {
		m.log.WithField("field", field).Debug("setting not supported by engine at runtime, skipped")
	}
	return nil
}

// UpdateSettings validates, persists and applies a full settings snapshot.
func (m *manager) UpdateSettings(ctx context.Context, s domain.Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if err := m.settingsSvc.Save(ctx, s); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.adapter != nil {
		if err := m.applySettings(m.adapter, s); err != nil {
			return err
		}
	}
	m.settings = s
	m.log.Info("session settings updated")
	return nil
}

func (m *manager) Settings() domain.Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}
