package services

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockEncoder satisfies Encoder
type MockEncoder struct {
	mock.Mock
}

func (m *MockEncoder) EncodeImage(ctx context.Context, image []byte) ([]float32, error) {
	args := m.Called(ctx, image)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

func (m *MockEncoder) EncodeTexts(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}
