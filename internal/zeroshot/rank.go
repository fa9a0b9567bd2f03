// Package zeroshot ranks text prompts against an image embedding the way
// CLIP zero-shot classification does: scaled similarity logits, then softmax.
package zeroshot

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// DefaultLogitScale is the learned temperature of the released CLIP models.
// It only makes sense for cosine similarity.
const DefaultLogitScale = 100.0

// Similarity selects how an image and a prompt embedding are compared.
type Similarity string

const (
	// Dot is the raw product of unnormalised embeddings.
	Dot Similarity = "dot"
	// Cosine normalises both embeddings first.
	Cosine Similarity = "cosine"
)

// ParseSimilarity accepts "dot" or "cosine"; empty means Dot.
func ParseSimilarity(s string) (Similarity, error) {
	switch Similarity(s) {
	case "", Dot:
		return Dot, nil
	case Cosine:
		return Cosine, nil
	}
	return "", fmt.Errorf("zeroshot: unknown similarity %q", s)
}

// Options tune Rank.
type Options struct {
	Similarity Similarity
	// LogitScale multiplies every similarity. Zero picks 1 for Dot and
	// DefaultLogitScale for Cosine.
	LogitScale float64
}

func (o Options) scale() float64 {
	if o.LogitScale > 0 {
		return o.LogitScale
	}
	if o.Similarity == Cosine {
		return DefaultLogitScale
	}
	return 1
}

func (o Options) similarity(a, b []float32) float64 {
	if o.Similarity == Cosine {
		return CosineSimilarity(a, b)
	}
	return DotProduct(a, b)
}

// ErrNoPrompts is returned when there is nothing to rank.
var ErrNoPrompts = errors.New("zeroshot: no prompts to rank")

// Score is the softmax probability of a single prompt.
type Score struct {
	Prompt      string
	Probability float64
}

// Ranking holds the probabilities in the original prompt order.
type Ranking struct {
	Scores []Score
}

// DotProduct returns the inner product of a and b, or 0 when the lengths
// differ.
func DotProduct(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// CosineSimilarity returns the cosine similarity of a and b, or 0 when the
// vectors differ in length or one of them is empty or zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// Softmax converts logits into probabilities. It subtracts the log-sum-exp
// so large logits do not overflow.
func Softmax(logits []float64) []float64 {
	if len(logits) == 0 {
		return nil
	}
	lse := floats.LogSumExp(logits)
	out := make([]float64, len(logits))
	for i, l := range logits {
		out[i] = math.Exp(l - lse)
	}
	return out
}

// Rank scores every prompt against the image embedding. texts[i] must be the
// embedding of prompts[i].
func Rank(image []float32, prompts []string, texts [][]float32, opts Options) (Ranking, error) {
	if len(prompts) == 0 {
		return Ranking{}, ErrNoPrompts
	}
	if len(prompts) != len(texts) {
		return Ranking{}, fmt.Errorf("zeroshot: %d prompts but %d text embeddings", len(prompts), len(texts))
	}
	scale := opts.scale()

	logits := make([]float64, len(texts))
	for i, t := range texts {
		if len(t) != len(image) {
			return Ranking{}, fmt.Errorf("zeroshot: prompt %q has dimension %d, image has %d", prompts[i], len(t), len(image))
		}
		logits[i] = scale * opts.similarity(image, t)
	}

	probs := Softmax(logits)
	scores := make([]Score, len(prompts))
	for i, p := range prompts {
		scores[i] = Score{Prompt: p, Probability: probs[i]}
	}
	return Ranking{Scores: scores}, nil
}

// Best returns the most probable prompt. Ties go to the earlier prompt.
func (r Ranking) Best() Score {
	if len(r.Scores) == 0 {
		return Score{}
	}
	return r.Scores[floats.MaxIdx(r.probabilities())]
}

// Top returns the k most probable prompts, highest first.
func (r Ranking) Top(k int) []Score {
	n := len(r.Scores)
	if k > n {
		k = n
	}
	if k <= 0 {
		return nil
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	// Stable so ties keep prompt order and Top(1) agrees with Best.
	sort.SliceStable(idx, func(a, b int) bool {
		return r.Scores[idx[a]].Probability > r.Scores[idx[b]].Probability
	})

	out := make([]Score, k)
	for i := 0; i < k; i++ {
		out[i] = r.Scores[idx[i]]
	}
	return out
}

func (r Ranking) probabilities() []float64 {
	p := make([]float64, len(r.Scores))
	for i, s := range r.Scores {
		p[i] = s.Probability
	}
	return p
}
