package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"bitlynq/internal/repository"
)

// Open opens (or creates) a sqlite database at the given path and ensures directories exist.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// a single connection serialises writers from the control plane and the loops
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return db, nil
}

// Repositories bundles every table-backed repository.
type Repositories struct {
	Jobs     repository.JobRepository
	Files    repository.JobFileRepository
	Resume   repository.ResumeStateRepository
	Uploads  repository.UploadRecordRepository
	Settings repository.SettingsRepository
}

// NewRepositories builds the repositories and creates their tables. Jobs are
// initialised first because the other tables reference them.
func NewRepositories(ctx context.Context, db *sql.DB) (*Repositories, error) {
	repos := &Repositories{
		Jobs:     NewJobRepository(db),
		Files:    NewJobFileRepository(db),
		Resume:   NewResumeStateRepository(db),
		Uploads:  NewUploadRecordRepository(db),
		Settings: NewSettingsRepository(db),
	}
	for _, step := range []struct {
		name string
		init func(context.Context) error
	}{
		{"jobs", repos.Jobs.Init},
		{"job files", repos.Files.Init},
		{"resume states", repos.Resume.Init},
		{"upload records", repos.Uploads.Init},
		{"settings", repos.Settings.Init},
	} {
		if err := step.init(ctx); err != nil {
			return nil, fmt.Errorf("init %s repository: %w", step.name, err)
		}
	}
	return repos, nil
}
