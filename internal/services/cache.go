package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedEncoder memoises embeddings. Prompt lists are fixed so text lookups
// nearly always hit; repeated uploads of the same bytes skip the sidecar too.
type CachedEncoder struct {
	next   Encoder
	images *lru.Cache[string, []float32]
	texts  *lru.Cache[string, []float32]
}

// NewCachedEncoder wraps next with LRU caches holding size entries each.
func NewCachedEncoder(next Encoder, size int) (*CachedEncoder, error) {
	if size <= 0 {
		size = 256
	}
	images, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("image cache: %w", err)
	}
	texts, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("text cache: %w", err)
	}
	return &CachedEncoder{next: next, images: images, texts: texts}, nil
}

// EncodeImage returns the cached embedding for identical bytes, or asks next.
func (c *CachedEncoder) EncodeImage(ctx context.Context, image []byte) ([]float32, error) {
	sum := sha256.Sum256(image)
	key := hex.EncodeToString(sum[:])
	if v, ok := c.images.Get(key); ok {
		return v, nil
	}

	v, err := c.next.EncodeImage(ctx, image)
	if err != nil {
		return nil, err
	}
	c.images.Add(key, v)
	return v, nil
}

// EncodeTexts only sends the texts that are not cached yet.
func (c *CachedEncoder) EncodeTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if v, ok := c.texts.Get(t); ok {
			out[i] = v
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fresh, err := c.next.EncodeTexts(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missing) {
		return nil, fmt.Errorf("%w: asked for %d text embeddings, got %d", ErrEncoderFailed, len(missing), len(fresh))
	}
	for j, v := range fresh {
		out[missingIdx[j]] = v
		c.texts.Add(missing[j], v)
	}
	return out, nil
}
