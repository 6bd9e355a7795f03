// Package inference runs single records through a loaded model. It is shared
// by the batch executor and the online prediction service.
package inference

import (
	"context"
	"fmt"

	"github.com/psantana5/ml-orchestrator/pkg/mlops"
	"github.com/psantana5/ml-orchestrator/pkg/models"
)

// InputPrefix is prepended to input fields merged into result rows
const InputPrefix = "input_"

// ErrorField holds the failure message in an error row
const ErrorField = "error"

// Run maps input onto the model schema and invokes the predictor. A panic in
// the predictor is returned as an error so one bad record cannot take down a batch.
func Run(ctx context.Context, p mlops.Predictor, schema models.Schema, input models.Record) (out models.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: prediction panicked: %v", models.ErrExecutionFailure, r)
		}
	}()

	fv, err := Vectorize(schema, input)
	if err != nil {
		return models.Record{}, err
	}
	return p.Predict(ctx, fv)
}

// Vectorize converts a record to the model's input shape. A model without a
// declared schema receives every field of the record in record order.
func Vectorize(schema models.Schema, input models.Record) (models.FeatureVector, error) {
	if len(schema.Features) == 0 {
		fv := models.FeatureVector{}
		for _, k := range input.Keys() {
			v, _ := input.Get(k)
			fv.Names = append(fv.Names, k)
			fv.Values = append(fv.Values, v)
		}
		return fv, nil
	}
	fv, err := schema.Vector(input)
	if err != nil {
		return models.FeatureVector{}, fmt.Errorf("%w: %v", models.ErrInvalidArgument, err)
	}
	return fv, nil
}

// WithInput returns output followed by the input fields, prefixed with InputPrefix
func WithInput(output, input models.Record) models.Record {
	res := output.Clone()
	for _, k := range input.Keys() {
		v, _ := input.Get(k)
		res.Set(InputPrefix+k, v)
	}
	return res
}

// ErrorRecord builds the row emitted for a record that failed to score
func ErrorRecord(err error, input models.Record) models.Record {
	r := models.NewRecord(models.F(ErrorField, models.StringValue(err.Error())))
	return WithInput(r, input)
}
