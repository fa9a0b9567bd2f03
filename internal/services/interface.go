package services

import (
	"context"
	"errors"
)

var (
	// ErrEncoderUnavailable means the CLIP sidecar is switched off or unreachable.
	ErrEncoderUnavailable = errors.New("clip encoder is unavailable")
	// ErrEncoderFailed means the sidecar answered but could not encode.
	ErrEncoderFailed = errors.New("clip encoder failed")
	// ErrInvalidImage means the upload is not a decodable image.
	ErrInvalidImage = errors.New("invalid image")
	// ErrInvalidRequest covers malformed arguments other than the image.
	ErrInvalidRequest = errors.New("invalid request")
)

// Encoder is an interface for the joint image/text embedding model.
type Encoder interface {
	// EncodeImage returns the embedding of an encoded image (JPEG, PNG, ...).
	EncodeImage(ctx context.Context, image []byte) ([]float32, error)
	// EncodeTexts returns one embedding per text, in order.
	EncodeTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// NullEncoder is used when no sidecar is configured.
type NullEncoder struct{}

// EncodeImage always fails with ErrEncoderUnavailable.
func (NullEncoder) EncodeImage(context.Context, []byte) ([]float32, error) {
	return nil, ErrEncoderUnavailable
}

// EncodeTexts always fails with ErrEncoderUnavailable.
func (NullEncoder) EncodeTexts(context.Context, []string) ([][]float32, error) {
	return nil, ErrEncoderUnavailable
}
