package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/psantana5/ml-orchestrator/pkg/mlops"
	"github.com/psantana5/ml-orchestrator/pkg/models"
)

const KindLinear = "linear"

// Link functions applied to the linear score
const (
	LinkIdentity = "identity"
	LinkLogistic = "logistic"
)

// LinearModel is score = bias + sum(weight_i * x_i), optionally passed through
// the logistic function. Logistic models also emit a boolean label.
type LinearModel struct {
	Kind      string             `json:"kind"`
	Weights   map[string]float64 `json:"weights"`
	Bias      float64            `json:"bias"`
	Link      string             `json:"link,omitempty"`
	Threshold float64            `json:"threshold,omitempty"`
}

// NewLinear builds a linear model artifact
func NewLinear(weights map[string]float64, bias float64, link string) *LinearModel {
	return &LinearModel{Kind: KindLinear, Weights: weights, Bias: bias, Link: link}
}

// Encode serializes the model to artifact bytes
func (m *LinearModel) Encode() ([]byte, error) {
	m.Kind = KindLinear
	return json.Marshal(m)
}

func decodeLinear(meta models.ModelMetadata, data []byte) (mlops.Predictor, error) {
	var m LinearModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: malformed linear artifact: %v", models.ErrUnsupported, err)
	}
	switch m.Link {
	case "":
		m.Link = LinkIdentity
	case LinkIdentity, LinkLogistic:
	default:
		return nil, fmt.Errorf("%w: link function %q", models.ErrUnsupported, m.Link)
	}
	if m.Link == LinkLogistic && m.Threshold == 0 {
		m.Threshold = 0.5
	}
	return &m, nil
}

// Predict scores one feature vector. Every weighted feature must be present.
func (m *LinearModel) Predict(ctx context.Context, in models.FeatureVector) (models.Record, error) {
	score := m.Bias
	for name, w := range m.Weights {
		v, ok := in.Get(name)
		if !ok || v.IsNull() {
			return models.Record{}, fmt.Errorf("%w: missing feature %q", models.ErrInvalidArgument, name)
		}
		x, err := v.AsFloat()
		if err != nil {
			return models.Record{}, fmt.Errorf("%w: feature %q: %v", models.ErrInvalidArgument, name, err)
		}
		score += w * x
	}

	if m.Link != LinkLogistic {
		return models.NewRecord(models.F("score", models.FloatValue(score))), nil
	}
	p := 1 / (1 + math.Exp(-score))
	return models.NewRecord(
		models.F("score", models.FloatValue(p)),
		models.F("label", models.BoolValue(p >= m.Threshold)),
	), nil
}
