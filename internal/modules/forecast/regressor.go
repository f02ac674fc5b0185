package forecast

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/routespark/routespark/internal/modules/features"
)

const (
	defaultTreeCount    = 80
	defaultLearningRate = 0.1

	// minLeafSamples keeps stump leaves from chasing single observations.
	minLeafSamples = 2
	minSplitGain   = 1e-9
)

// stump is a depth-1 regression tree: one feature, one threshold, two
// leaf values (raw residual means; shrinkage is applied at predict time).
type stump struct {
	Feature   int     `msgpack:"f"`
	Threshold float64 `msgpack:"t"`
	Left      float64 `msgpack:"l"`
	Right     float64 `msgpack:"r"`
}

// Prediction is a point estimate with its residual-quantile band.
type Prediction struct {
	P10        float64
	P50        float64
	P90        float64
	Confidence float64
}

// GBMRegressor is a gradient-boosted ensemble of depth-1 trees. The band
// comes from empirical quantiles of the training residuals, so a model
// that fits poorly forecasts wide.
type GBMRegressor struct {
	Base         float64  `msgpack:"base"`
	LearningRate float64  `msgpack:"lr"`
	TreeCount    int      `msgpack:"trees"`
	Stumps       []stump  `msgpack:"stumps"`
	ResidualQ10  float64  `msgpack:"rq10"`
	ResidualQ50  float64  `msgpack:"rq50"`
	ResidualQ90  float64  `msgpack:"rq90"`
	RSquared     float64  `msgpack:"r2"`
	Columns      []string `msgpack:"columns"`
	TrainedRows  int      `msgpack:"trained_rows"`
}

// NewRegressor creates an untrained regressor with default hyperparameters.
func NewRegressor() *GBMRegressor {
	return &GBMRegressor{
		LearningRate: defaultLearningRate,
		TreeCount:    defaultTreeCount,
	}
}

// Fit trains the ensemble on the frame.
func (g *GBMRegressor) Fit(rows []features.Row) error {
	n := len(rows)
	if n == 0 {
		return fmt.Errorf("no training rows")
	}

	vectors := make([][]float64, n)
	targets := make([]float64, n)
	for i, r := range rows {
		vectors[i] = r.Vector
		targets[i] = r.TargetUnits
	}

	g.Base = stat.Mean(targets, nil)
	g.Columns = append([]string(nil), features.Columns...)
	g.TrainedRows = n
	g.Stumps = nil

	preds := make([]float64, n)
	for i := range preds {
		preds[i] = g.Base
	}

	residuals := make([]float64, n)
	if n >= 2*minLeafSamples {
		for t := 0; t < g.TreeCount; t++ {
			for i := range residuals {
				residuals[i] = targets[i] - preds[i]
			}
			s, ok := bestStump(vectors, residuals)
			if !ok {
				break
			}
			g.Stumps = append(g.Stumps, s)
			for i, vec := range vectors {
				preds[i] += g.LearningRate * s.apply(vec)
			}
		}
	}

	for i := range residuals {
		residuals[i] = targets[i] - preds[i]
	}
	sorted := append([]float64(nil), residuals...)
	sort.Float64s(sorted)
	g.ResidualQ10 = stat.Quantile(0.10, stat.Empirical, sorted, nil)
	g.ResidualQ50 = stat.Quantile(0.50, stat.Empirical, sorted, nil)
	g.ResidualQ90 = stat.Quantile(0.90, stat.Empirical, sorted, nil)

	sse := 0.0
	sst := 0.0
	for i := range targets {
		sse += residuals[i] * residuals[i]
		d := targets[i] - g.Base
		sst += d * d
	}
	if sst > 0 {
		g.RSquared = math.Max(0, 1-sse/sst)
	}
	return nil
}

// Predict returns the banded estimate for one feature row.
func (g *GBMRegressor) Predict(row features.Row) Prediction {
	point := g.Base
	for _, s := range g.Stumps {
		point += g.LearningRate * s.apply(row.Vector)
	}

	p := Prediction{
		P10:        math.Max(0, point+g.ResidualQ10),
		P50:        math.Max(0, point+g.ResidualQ50),
		P90:        math.Max(0, point+g.ResidualQ90),
		Confidence: 0.5 + 0.45*clampFloat(g.RSquared, 0, 1),
	}
	if p.P90 < p.P50 {
		p.P90 = p.P50
	}
	if p.P10 > p.P50 {
		p.P10 = p.P50
	}
	return p
}

func (s stump) apply(vec []float64) float64 {
	if vec[s.Feature] <= s.Threshold {
		return s.Left
	}
	return s.Right
}

// bestStump scans every (feature, threshold) split for the one that drops
// residual SSE the most. Thresholds are midpoints between consecutive
// distinct feature values.
func bestStump(vectors [][]float64, residuals []float64) (stump, bool) {
	n := len(residuals)
	numFeatures := len(vectors[0])

	parentSum := 0.0
	parentSumSq := 0.0
	for _, r := range residuals {
		parentSum += r
		parentSumSq += r * r
	}
	parentSSE := parentSumSq - parentSum*parentSum/float64(n)

	best := stump{}
	bestGain := minSplitGain
	found := false

	idx := make([]int, n)
	for f := 0; f < numFeatures; f++ {
		for i := range idx {
			idx[i] = i
		}
		sort.Slice(idx, func(a, b int) bool {
			return vectors[idx[a]][f] < vectors[idx[b]][f]
		})

		// Prefix sums over residuals in feature order.
		sum := 0.0
		sumSq := 0.0
		for split := 1; split < n; split++ {
			r := residuals[idx[split-1]]
			sum += r
			sumSq += r * r

			left := vectors[idx[split-1]][f]
			right := vectors[idx[split]][f]
			if left == right {
				continue
			}
			if split < minLeafSamples || n-split < minLeafSamples {
				continue
			}

			leftN := float64(split)
			rightN := float64(n - split)
			rightSum := parentSum - sum
			// SSE = sum(r^2) - n*mean^2 per side.
			leftSSE := sumSq - sum*sum/leftN
			rightSSE := (parentSumSq - sumSq) - rightSum*rightSum/rightN

			gain := parentSSE - leftSSE - rightSSE
			if gain > bestGain {
				bestGain = gain
				best = stump{
					Feature:   f,
					Threshold: (left + right) / 2,
					Left:      sum / leftN,
					Right:     rightSum / rightN,
				}
				found = true
			}
		}
	}
	return best, found
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
