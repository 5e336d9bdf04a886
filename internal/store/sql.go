package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vyrodovalexey/avafanout/internal/model"
	"github.com/vyrodovalexey/avafanout/internal/observability"
)

// scriptRecord is the scripts table row.
type scriptRecord struct {
	Name           string                `gorm:"primaryKey;size:255"`
	Content        string                `gorm:"type:text;not null"`
	Tags           []string              `gorm:"serializer:json;type:text"`
	PathPattern    string                `gorm:"size:1024"`
	ResponseConfig *model.ResponseConfig `gorm:"serializer:json;type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName implements gorm's tabler.
func (scriptRecord) TableName() string { return "scripts" }

func (r *scriptRecord) toModel() model.Script {
	return model.Script{
		Name:           r.Name,
		Content:        r.Content,
		Tags:           r.Tags,
		PathPattern:    r.PathPattern,
		ResponseConfig: r.ResponseConfig,
	}
}

// targetRecord is the targets table row. Position keeps insertion order.
type targetRecord struct {
	ID        string         `gorm:"primaryKey;size:255"`
	Position  int            `gorm:"index;not null"`
	Nickname  string         `gorm:"size:255"`
	BaseURL   string         `gorm:"size:2048;not null"`
	Tags      []string       `gorm:"serializer:json;type:text"`
	Metadata  map[string]any `gorm:"serializer:json;type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName implements gorm's tabler.
func (targetRecord) TableName() string { return "targets" }

func (r *targetRecord) toModel() model.Target {
	return model.Target{
		ID:       r.ID,
		Nickname: r.Nickname,
		BaseURL:  r.BaseURL,
		Tags:     r.Tags,
		Metadata: r.Metadata,
	}
}

// SQLStore keeps scripts and targets in a SQLite database through gorm.
type SQLStore struct {
	notifier

	db     *gorm.DB
	logger observability.Logger
	trace  bool
}

// SQLOption is a functional option for configuring the SQL store.
type SQLOption func(*SQLStore)

// WithSQLLogger sets the logger for the SQL store.
func WithSQLLogger(logger observability.Logger) SQLOption {
	return func(s *SQLStore) {
		s.logger = logger
	}
}

// WithSQLTrace logs every statement at debug level.
func WithSQLTrace(enabled bool) SQLOption {
	return func(s *SQLStore) {
		s.trace = enabled
	}
}

// NewSQLStore opens (creating if needed) the database at path and migrates
// the schema. ":memory:" opens a private in-memory database.
func NewSQLStore(path string, opts ...SQLOption) (*SQLStore, error) {
	s := &SQLStore{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	gl := NewGormLogger(s.logger)
	if s.trace {
		gl.LogLevel = gormlogger.Info
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gl})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	s.db = db

	if err := db.AutoMigrate(&scriptRecord{}, &targetRecord{}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	s.logger.Info("sql store opened", observability.String("path", path))
	return s, nil
}

// ListScripts returns every script ordered by name.
func (s *SQLStore) ListScripts(ctx context.Context) ([]model.Script, error) {
	var records []scriptRecord
	if err := s.db.WithContext(ctx).Order("name").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}

	scripts := make([]model.Script, len(records))
	for i := range records {
		scripts[i] = records[i].toModel()
	}
	return scripts, nil
}

// ListTargets returns every target in insertion order.
func (s *SQLStore) ListTargets(ctx context.Context) ([]model.Target, error) {
	var records []targetRecord
	if err := s.db.WithContext(ctx).Order("position").Order("id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}

	targets := make([]model.Target, len(records))
	for i := range records {
		targets[i] = records[i].toModel()
	}
	return targets, nil
}

// GetScript returns one script by name.
func (s *SQLStore) GetScript(ctx context.Context, name string) (model.Script, error) {
	var record scriptRecord
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&record).Error
	if err != nil {
		if isRecordNotFound(err) {
			return model.Script{}, fmt.Errorf("%w: script %s", ErrNotFound, name)
		}
		return model.Script{}, fmt.Errorf("get script %s: %w", name, err)
	}
	return record.toModel(), nil
}

// SaveScript inserts or replaces a script.
func (s *SQLStore) SaveScript(ctx context.Context, sc model.Script) error {
	if err := validateScript(sc); err != nil {
		return err
	}

	record := scriptRecord{
		Name:           sc.Name,
		Content:        sc.Content,
		Tags:           sc.Tags,
		PathPattern:    sc.PathPattern,
		ResponseConfig: sc.ResponseConfig,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"content", "tags", "path_pattern", "response_config", "updated_at",
		}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("save script %s: %w", sc.Name, err)
	}

	s.notify()
	return nil
}

// DeleteScript removes a script by name.
func (s *SQLStore) DeleteScript(ctx context.Context, name string) error {
	result := s.db.WithContext(ctx).Where("name = ?", name).Delete(&scriptRecord{})
	if result.Error != nil {
		return fmt.Errorf("delete script %s: %w", name, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: script %s", ErrNotFound, name)
	}

	s.notify()
	return nil
}

// SaveTarget inserts a target at the end of the list or replaces an
// existing one in place.
func (s *SQLStore) SaveTarget(ctx context.Context, t model.Target) error {
	if err := validateTarget(t); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing targetRecord
		err := tx.Where("id = ?", t.ID).First(&existing).Error
		position := existing.Position
		switch {
		case isRecordNotFound(err):
			var maxPosition int
			if err := tx.Model(&targetRecord{}).
				Select("COALESCE(MAX(position), -1)").
				Scan(&maxPosition).Error; err != nil {
				return err
			}
			position = maxPosition + 1
		case err != nil:
			return err
		}

		record := targetRecord{
			ID:       t.ID,
			Position: position,
			Nickname: t.Nickname,
			BaseURL:  t.BaseURL,
			Tags:     t.Tags,
			Metadata: t.Metadata,
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"nickname", "base_url", "tags", "metadata", "updated_at",
			}),
		}).Create(&record).Error
	})
	if err != nil {
		return fmt.Errorf("save target %s: %w", t.ID, err)
	}

	s.notify()
	return nil
}

// DeleteTarget removes a target by id.
func (s *SQLStore) DeleteTarget(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&targetRecord{})
	if result.Error != nil {
		return fmt.Errorf("delete target %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: target %s", ErrNotFound, id)
	}

	s.notify()
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
