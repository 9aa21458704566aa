package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"bitlynq/internal/domain"
	"bitlynq/internal/repository"
)

const sessionSettingsKey = "session"

// SettingsService persists the session settings snapshot.
type SettingsService interface {
	// Load returns the stored snapshot, or defaults when none was saved.
	// Stored values overlay defaults field by field.
	Load(ctx context.Context, defaults domain.Settings) (domain.Settings, error)
	Save(ctx context.Context, settings domain.Settings) error
}

type settingsService struct {
	repo repository.SettingsRepository
}

func NewSettingsService(repo repository.SettingsRepository) SettingsService {
	return &settingsService{repo: repo}
}

func (s *settingsService) Load(ctx context.Context, defaults domain.Settings) (domain.Settings, error) {
	raw, err := s.repo.Get(ctx, sessionSettingsKey)
	if errors.Is(err, repository.ErrNotFound) {
		return defaults, nil
	}
	if err != nil {
		return defaults, err
	}
	out := defaults
	if err := json.Unmarshal(raw, &out); err != nil {
		return defaults, fmt.Errorf("decode settings: %w", err)
	}
	return out, nil
}

func (s *settingsService) Save(ctx context.Context, settings domain.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return s.repo.Put(ctx, sessionSettingsKey, raw)
}
