// Package modelregistry stores versioned model metadata in a relational
// database through GORM. Artifact bytes live in an artifact store; the
// registry only records where they are.
package modelregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/psantana5/ml-orchestrator/pkg/logging"
	"github.com/psantana5/ml-orchestrator/pkg/mlops"
	"github.com/psantana5/ml-orchestrator/pkg/models"
)

// ModelVersion is one registered version of a model
type ModelVersion struct {
	ID           string `gorm:"primaryKey;type:varchar(36)"`
	Name         string `gorm:"uniqueIndex:idx_model_name_version;not null"`
	Version      int    `gorm:"uniqueIndex:idx_model_name_version;not null"`
	Path         string `gorm:"not null"`
	Algorithm    string
	Target       string
	Schema       string `gorm:"type:text"`
	Metrics      string `gorm:"type:text"`
	RunID        string
	ExperimentID string
	CreatedAt    time.Time

	UsageCount   int64
	ErrorCount   int64
	AvgLatencyMs float64
	LastUsedAt   *time.Time
}

func (ModelVersion) TableName() string {
	return "model_versions"
}

// Config selects the registry database
type Config struct {
	Type string // "postgres" or "sqlite"
	DSN  string // connection string or sqlite file path
}

// Open connects to the configured database
func Open(cfg Config) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	switch cfg.Type {
	case "postgres", "postgresql":
		return gorm.Open(postgres.Open(cfg.DSN), gcfg)
	case "sqlite", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "mlorch-models.db"
		}
		return gorm.Open(sqlite.Open(dsn), gcfg)
	default:
		return nil, fmt.Errorf("%w: registry database %q", models.ErrUnsupported, cfg.Type)
	}
}

// ArtifactReader fetches artifact bytes by location
type ArtifactReader interface {
	GetArtifact(ctx context.Context, path string) ([]byte, error)
}

// Registry implements mlops.ModelRegistry and mlops.UsageReporter
type Registry struct {
	db        *gorm.DB
	artifacts ArtifactReader
	logger    *logging.Logger

	// serializes version allocation within this process; the unique index
	// rejects collisions between processes
	mu sync.Mutex
}

// New migrates the schema and returns a registry
func New(db *gorm.DB, artifacts ArtifactReader, logger *logging.Logger) (*Registry, error) {
	if err := db.AutoMigrate(&ModelVersion{}); err != nil {
		return nil, fmt.Errorf("failed to migrate model registry: %w", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		db:        db,
		artifacts: artifacts,
		logger:    logger.WithField("component", "model_registry"),
	}, nil
}

// Register records a new version of req.Name, numbered one past the latest
func (r *Registry) Register(ctx context.Context, req mlops.RegisterRequest) (models.ModelMetadata, error) {
	if req.Name == "" || req.Path == "" {
		return models.ModelMetadata{}, fmt.Errorf("%w: model name and path are required", models.ErrInvalidArgument)
	}
	schema, err := json.Marshal(models.Schema{Features: req.Definition.Features})
	if err != nil {
		return models.ModelMetadata{}, err
	}
	metrics, err := json.Marshal(req.Metrics)
	if err != nil {
		return models.ModelMetadata{}, fmt.Errorf("failed to encode metrics: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	mv := ModelVersion{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Path:         req.Path,
		Algorithm:    req.Definition.Algorithm,
		Target:       req.Definition.Target,
		Schema:       string(schema),
		Metrics:      string(metrics),
		RunID:        req.RunID,
		ExperimentID: req.ExperimentID,
		CreatedAt:    time.Now().UTC(),
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest int
		if err := tx.Model(&ModelVersion{}).
			Where("name = ?", req.Name).
			Select("COALESCE(MAX(version), 0)").
			Scan(&latest).Error; err != nil {
			return err
		}
		mv.Version = latest + 1
		return tx.Create(&mv).Error
	})
	if err != nil {
		return models.ModelMetadata{}, fmt.Errorf("failed to register model %s: %w", req.Name, err)
	}

	r.logger.Info("Model version registered", map[string]interface{}{
		"model":   mv.Name,
		"version": mv.Version,
		"path":    mv.Path,
	})
	return toMetadata(mv)
}

// GetMetadata resolves a version; "" and "latest" mean the newest one
func (r *Registry) GetMetadata(ctx context.Context, name, version string) (models.ModelMetadata, error) {
	q := r.db.WithContext(ctx).Where("name = ?", name)
	if version == "" || version == "latest" {
		q = q.Order("version DESC")
	} else {
		n, err := strconv.Atoi(version)
		if err != nil {
			return models.ModelMetadata{}, fmt.Errorf("%w: version %q is not a number", models.ErrInvalidArgument, version)
		}
		q = q.Where("version = ?", n)
	}

	var mv ModelVersion
	if err := q.First(&mv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ModelMetadata{}, fmt.Errorf("%w: model %s version %s", models.ErrNotFound, name, versionLabel(version))
		}
		return models.ModelMetadata{}, err
	}
	return toMetadata(mv)
}

// ListVersions returns every version of name, newest first
func (r *Registry) ListVersions(ctx context.Context, name string) ([]models.ModelMetadata, error) {
	var rows []ModelVersion
	if err := r.db.WithContext(ctx).Where("name = ?", name).Order("version DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.ModelMetadata, 0, len(rows))
	for _, mv := range rows {
		md, err := toMetadata(mv)
		if err != nil {
			return nil, err
		}
		out = append(out, md)
	}
	return out, nil
}

// LoadBytes fetches artifact bytes from the artifact store
func (r *Registry) LoadBytes(ctx context.Context, path string) ([]byte, error) {
	if r.artifacts == nil {
		return nil, fmt.Errorf("%w: no artifact store configured", models.ErrUnsupported)
	}
	return r.artifacts.GetArtifact(ctx, path)
}

// ReportUsage folds stats into the running counters of a model version
func (r *Registry) ReportUsage(ctx context.Context, name, version string, stats mlops.UsageStats) error {
	n, err := strconv.Atoi(version)
	if err != nil {
		return fmt.Errorf("%w: version %q is not a number", models.ErrInvalidArgument, version)
	}
	reported := stats.ReportedAt
	if reported.IsZero() {
		reported = time.Now().UTC()
	}

	res := r.db.WithContext(ctx).Model(&ModelVersion{}).
		Where("name = ? AND version = ?", name, n).
		Updates(map[string]interface{}{
			"avg_latency_ms": gorm.Expr(
				"CASE WHEN usage_count + ? = 0 THEN 0 ELSE (avg_latency_ms * usage_count + ?) / (usage_count + ?) END",
				stats.Predictions, stats.AvgLatencyMs*float64(stats.Predictions), stats.Predictions),
			"usage_count":  gorm.Expr("usage_count + ?", stats.Predictions),
			"error_count":  gorm.Expr("error_count + ?", stats.Errors),
			"last_used_at": reported,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to record usage for %s:%s: %w", name, version, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: model %s version %s", models.ErrNotFound, name, version)
	}
	return nil
}

// Usage returns the accumulated counters of a model version
func (r *Registry) Usage(ctx context.Context, name, version string) (ModelVersion, error) {
	var mv ModelVersion
	n, err := strconv.Atoi(version)
	if err != nil {
		return mv, fmt.Errorf("%w: version %q is not a number", models.ErrInvalidArgument, version)
	}
	err = r.db.WithContext(ctx).Where("name = ? AND version = ?", name, n).First(&mv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return mv, fmt.Errorf("%w: model %s version %s", models.ErrNotFound, name, version)
	}
	return mv, err
}

func toMetadata(mv ModelVersion) (models.ModelMetadata, error) {
	md := models.ModelMetadata{
		ID:           mv.ID,
		Name:         mv.Name,
		Version:      strconv.Itoa(mv.Version),
		Path:         mv.Path,
		Algorithm:    mv.Algorithm,
		Target:       mv.Target,
		RunID:        mv.RunID,
		ExperimentID: mv.ExperimentID,
		CreatedAt:    mv.CreatedAt,
	}
	if mv.Schema != "" {
		if err := json.Unmarshal([]byte(mv.Schema), &md.Schema); err != nil {
			return md, fmt.Errorf("corrupt schema for %s:%d: %w", mv.Name, mv.Version, err)
		}
	}
	if mv.Metrics != "" && mv.Metrics != "null" {
		if err := json.Unmarshal([]byte(mv.Metrics), &md.Metrics); err != nil {
			return md, fmt.Errorf("corrupt metrics for %s:%d: %w", mv.Name, mv.Version, err)
		}
	}
	return md, nil
}

func versionLabel(v string) string {
	if v == "" {
		return "latest"
	}
	return v
}
