// Package prediction serves synchronous, low-latency predictions from cached models.
package prediction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/ml-orchestrator/pkg/inference"
	"github.com/psantana5/ml-orchestrator/pkg/logging"
	"github.com/psantana5/ml-orchestrator/pkg/metrics"
	"github.com/psantana5/ml-orchestrator/pkg/mlops"
	"github.com/psantana5/ml-orchestrator/pkg/models"
	"github.com/psantana5/ml-orchestrator/pkg/tracing"
)

// Response carries one prediction per instance, in request order. Instances
// that failed hold a single "error" field instead of model output.
type Response struct {
	ModelName    string          `json:"model_name"`
	ModelVersion string          `json:"model_version"`
	Predictions  []models.Record `json:"predictions"`
	Failed       int             `json:"failed"`
	LatencyMs    float64         `json:"latency_ms"`
}

// Service scores small instance lists against the model cache
type Service struct {
	models  mlops.ModelProvider
	usage   mlops.UsageReporter
	logger  *logging.Logger
	metrics *metrics.Collector
}

// NewService creates a Service. usage, logger and collector may be nil.
func NewService(provider mlops.ModelProvider, usage mlops.UsageReporter, logger *logging.Logger, collector *metrics.Collector) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		models:  provider,
		usage:   usage,
		logger:  logger.WithField("component", "prediction"),
		metrics: collector,
	}
}

// Predict runs every instance through the model. A bad instance yields an
// error entry; it never fails the whole request.
func (s *Service) Predict(ctx context.Context, modelName, modelVersion string, instances []models.Record) (*Response, error) {
	if strings.TrimSpace(modelName) == "" {
		return nil, fmt.Errorf("%w: model name is required", models.ErrInvalidArgument)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: at least one instance is required", models.ErrInvalidArgument)
	}

	ctx, span := tracing.Tracer("prediction").Start(ctx, "prediction.predict")
	defer span.End()
	start := time.Now()

	predictor, meta, err := s.models.Get(ctx, modelName, modelVersion)
	if err != nil {
		tracing.SetError(ctx, err)
		return nil, err
	}

	resp := &Response{
		ModelName:    meta.Name,
		ModelVersion: meta.Version,
		Predictions:  make([]models.Record, 0, len(instances)),
	}
	for _, instance := range instances {
		out, err := inference.Run(ctx, predictor, meta.Schema, instance)
		if err != nil {
			resp.Failed++
			resp.Predictions = append(resp.Predictions,
				models.NewRecord(models.F(inference.ErrorField, models.StringValue(err.Error()))))
			continue
		}
		resp.Predictions = append(resp.Predictions, out)
	}

	elapsed := time.Since(start)
	resp.LatencyMs = float64(elapsed.Microseconds()) / 1000
	tracing.AddEvent(ctx, "scored",
		attribute.Int("instances", len(instances)),
		attribute.Int("failed", resp.Failed))
	s.metrics.Predictions(meta.Name, len(instances)-resp.Failed, resp.Failed, elapsed)

	if s.usage != nil {
		err := s.usage.ReportUsage(ctx, meta.Name, meta.Version, mlops.UsageStats{
			Predictions:  len(instances),
			Errors:       resp.Failed,
			AvgLatencyMs: resp.LatencyMs / float64(len(instances)),
			ReportedAt:   time.Now().UTC(),
		})
		if err != nil {
			s.logger.Warn("Failed to report model usage", map[string]interface{}{
				"model": meta.Name,
				"error": err,
			})
		}
	}
	return resp, nil
}
