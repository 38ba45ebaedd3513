package detector

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// featureVector is the M1 input: [headway_s, dwell_s, delay_s, headway_z, dwell_z].
// dwell_z is always 0 — the Feature Engine tracks rolling headway stats but
// not rolling dwell stats (see DESIGN.md), so there is no dwell baseline to
// z-score against.
type featureVector [5]float64

// isolationTree is one random-split tree over featureVector samples.
type isolationTree struct {
	splitFeature int
	splitValue   float64
	left, right  *isolationTree
	size         int // number of training samples that reached this node, for leaves
}

const isolationTreeMaxDepth = 10

func buildIsolationTree(samples []featureVector, depth int, rng *rand.Rand) *isolationTree {
	if depth >= isolationTreeMaxDepth || len(samples) <= 1 {
		return &isolationTree{size: len(samples)}
	}

	feature := rng.Intn(len(featureVector{}))
	lo, hi := samples[0][feature], samples[0][feature]
	for _, s := range samples {
		if s[feature] < lo {
			lo = s[feature]
		}
		if s[feature] > hi {
			hi = s[feature]
		}
	}
	if lo == hi {
		return &isolationTree{size: len(samples)}
	}

	splitValue := lo + rng.Float64()*(hi-lo)
	var leftSamples, rightSamples []featureVector
	for _, s := range samples {
		if s[feature] < splitValue {
			leftSamples = append(leftSamples, s)
		} else {
			rightSamples = append(rightSamples, s)
		}
	}

	return &isolationTree{
		splitFeature: feature,
		splitValue:   splitValue,
		left:         buildIsolationTree(leftSamples, depth+1, rng),
		right:        buildIsolationTree(rightSamples, depth+1, rng),
	}
}

// pathLength returns the number of edges traversed to isolate x, plus the
// average-path-length correction for the samples remaining in the leaf x
// lands in (Liu, Ting & Zhou's c(n) term), so partially-isolated leaves
// still contribute a realistic path length rather than 0.
func (t *isolationTree) pathLength(x featureVector, depth int) float64 {
	if t.left == nil && t.right == nil {
		return float64(depth) + averagePathLength(t.size)
	}
	if x[t.splitFeature] < t.splitValue {
		return t.left.pathLength(x, depth+1)
	}
	return t.right.pathLength(x, depth+1)
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// BST search over n items.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	const eulerGamma = 0.5772156649
	h := func(i float64) float64 {
		if i <= 0 {
			return 0
		}
		return math.Log(i) + eulerGamma
	}
	return 2*h(float64(n-1)) - 2*float64(n-1)/float64(n)
}

// outlierModel is an isolation-forest ensemble: M1 of spec.md §4.6.
// Trained on a batch of FeatureFrames reduced to featureVectors, it scores
// new vectors in [0,1] where higher is more anomalous, via the standard
// 2^(-E[h(x)]/c(n)) normalization.
type outlierModel struct {
	trees       []*isolationTree
	sampleSize  int
	threshold   float64 // empirical (1-contamination) quantile of training scores
	contaminate float64
}

const isolationForestTreeCount = 100
const isolationForestSubsampleSize = 256

// trainOutlierModel builds the ensemble and its contamination threshold
// from a batch of training feature vectors.
func trainOutlierModel(samples []featureVector, contamination float64, rng *rand.Rand) *outlierModel {
	sampleSize := isolationForestSubsampleSize
	if sampleSize > len(samples) {
		sampleSize = len(samples)
	}

	m := &outlierModel{
		sampleSize:  sampleSize,
		contaminate: contamination,
	}
	for i := 0; i < isolationForestTreeCount; i++ {
		sub := subsample(samples, sampleSize, rng)
		m.trees = append(m.trees, buildIsolationTree(sub, 0, rng))
	}

	scores := make([]float64, len(samples))
	for i, s := range samples {
		scores[i] = m.score(s)
	}
	sort.Float64s(scores)
	m.threshold = stat.Quantile(1-contamination, stat.Empirical, scores, nil)
	return m
}

func subsample(samples []featureVector, n int, rng *rand.Rand) []featureVector {
	if n >= len(samples) {
		out := make([]featureVector, len(samples))
		copy(out, samples)
		return out
	}
	idx := rng.Perm(len(samples))[:n]
	out := make([]featureVector, n)
	for i, j := range idx {
		out[i] = samples[j]
	}
	return out
}

// score returns the raw isolation-forest anomaly score in [0,1].
func (m *outlierModel) score(x featureVector) float64 {
	if len(m.trees) == 0 {
		return 0
	}
	sum := 0.0
	for _, t := range m.trees {
		sum += t.pathLength(x, 0)
	}
	avgPathLength := sum / float64(len(m.trees))
	cn := averagePathLength(m.sampleSize)
	if cn == 0 {
		return 0
	}
	return math.Pow(2, -avgPathLength/cn)
}

// isAnomalous reports whether x scores at or above the trained
// contamination threshold, returning the raw score either way.
func (m *outlierModel) isAnomalous(x featureVector) (score float64, anomalous bool) {
	score = m.score(x)
	return score, score >= m.threshold
}
