package combiner_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/ephemeral/pkg/trainer/component/combiner"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/domain/model"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
)

func worker(i int, acc float64, w ...float64) model.WorkerResult {
	return model.WorkerResult{
		Worker:  i,
		Model:   &model.Model{Parameters: map[string]model.Tensor{"w": {Shape: []int{len(w)}, Values: w}}},
		Metrics: model.Metrics{"accuracy": acc},
	}
}

func TestBestOfN_TieGoesToLowestIndex(t *testing.T) {
	c, err := combiner.New(combiner.BestOfN, "accuracy")
	require.NoError(t, err)

	res, err := c.Combine([]model.WorkerResult{worker(0, 0.5), worker(1, 0.9), worker(2, 0.9)})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, res.Sources)
	assert.Equal(t, 0.9, res.Metrics["accuracy"])
	assert.Equal(t, "best_of_n", res.Strategy)
}

func TestBestOfN_TieBreakIgnoresInputOrder(t *testing.T) {
	c := combiner.Best{Metric: "accuracy"}
	res, err := c.Combine([]model.WorkerResult{worker(2, 0.9), worker(0, 0.5), worker(1, 0.9)})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, res.Sources)
}

func TestBestOfN_NaNRanksLowest(t *testing.T) {
	c := combiner.Best{Metric: "accuracy"}
	missing := worker(0, 0)
	missing.Metrics = model.Metrics{}
	res, err := c.Combine([]model.WorkerResult{missing, worker(1, math.NaN()), worker(2, 0.1)})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, res.Sources)

	res, err = c.Combine([]model.WorkerResult{worker(3, math.NaN()), worker(1, math.NaN())})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, res.Sources)
}

func TestAveraging_ElementWiseMean(t *testing.T) {
	c, err := combiner.New(combiner.ParameterAveraging, "accuracy")
	require.NoError(t, err)
	in := []model.WorkerResult{worker(0, 0.1, 1, 2, 3), worker(1, 0.2, 3, 4, 5)}

	res, err := c.Combine(in)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3, 4}, res.Model.Parameters["w"].Values)
	assert.Equal(t, []int{3}, res.Model.Parameters["w"].Shape)
	assert.Nil(t, res.Metrics, "the averaged model has not been evaluated yet")
	assert.Equal(t, []int{0, 1}, res.Sources)
	assert.Equal(t, []float64{1, 2, 3}, in[0].Model.Parameters["w"].Values, "inputs are not mutated")
}

func TestAveraging_CopiesMetaOfTheFirstWorker(t *testing.T) {
	first, second := worker(0, 0, 1), worker(1, 0, 3)
	first.Model.Meta = map[string]interface{}{"classes": 2}
	res, err := combiner.Averaging{}.Combine([]model.WorkerResult{first, second})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"classes": 2}, res.Model.Meta)

	res.Model.Meta["classes"] = 3
	assert.Equal(t, 2, first.Model.Meta["classes"], "the combined meta is a copy")

	res, err = combiner.Averaging{}.Combine([]model.WorkerResult{second, worker(2, 0, 5)})
	require.NoError(t, err)
	assert.Nil(t, res.Model.Meta)
}

func TestAveraging_StructuralMismatch(t *testing.T) {
	c := combiner.Averaging{}

	_, err := c.Combine([]model.WorkerResult{worker(0, 0, 1, 2), worker(1, 0, 1, 2, 3)})
	assert.ErrorIs(t, err, exception.ErrStructuralMismatch)

	other := worker(1, 0, 1, 2)
	other.Model.Parameters["b"] = model.Tensor{Shape: []int{1}, Values: []float64{0}}
	_, err = c.Combine([]model.WorkerResult{worker(0, 0, 1, 2), other})
	assert.ErrorIs(t, err, exception.ErrStructuralMismatch)

	noModel := model.WorkerResult{Worker: 1}
	_, err = c.Combine([]model.WorkerResult{worker(0, 0, 1), noModel})
	assert.ErrorIs(t, err, exception.ErrStructuralMismatch)
}

func TestNew_UnknownCapability(t *testing.T) {
	_, err := combiner.New("median", "accuracy")
	assert.ErrorIs(t, err, exception.ErrConfiguration)
}
