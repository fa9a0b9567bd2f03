package services

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"inteltrace/internal/imaging"
	"inteltrace/internal/logging"
	"inteltrace/internal/repository"
	"inteltrace/internal/zeroshot"
	"inteltrace/pkg/models"
)

var (
	testThreats = []string{"a tank", "a drone", "smoke"}
	testScenes  = []string{"a field", "water"}
)

func makePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestService(t *testing.T, enc Encoder, maxSide int) (*AnalysisService, *repository.BadgerStore, string) {
	t.Helper()
	store, err := repository.OpenInMemoryBadgerStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dir := filepath.Join(t.TempDir(), "uploads")
	svc, err := NewAnalysisService(AnalysisConfig{
		ThreatPrompts: testThreats,
		ScenePrompts:  testScenes,
		Similarity:    zeroshot.Cosine,
		LogitScale:    100,
		UploadsDir:    dir,
		MaxPixels:     10_000,
		MaxSide:       maxSide,
	}, enc, store, nil, logging.Nop())
	require.NoError(t, err)
	return svc, store, dir
}

func TestAnalysisService_Analyze(t *testing.T) {
	enc := new(MockEncoder)
	enc.On("EncodeImage", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)
	enc.On("EncodeTexts", mock.Anything, testThreats).Return([][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0.2, 0, 1},
	}, nil)
	enc.On("EncodeTexts", mock.Anything, testScenes).Return([][]float32{
		{0, 0, 1},
		{1, 0.1, 0},
	}, nil)

	svc, store, dir := newTestService(t, enc, 0)
	data := makePNG(t, 32, 32)

	a, err := svc.Analyze(context.Background(), AnalyzeRequest{
		Owner:    "alice@acme.com",
		Filename: "mask.PNG",
		Data:     data,
		Query:    "armor near the road?",
	})
	require.NoError(t, err)

	assert.Equal(t, "a tank", a.TopThreat)
	assert.Greater(t, a.ThreatScore, 99.0)
	assert.True(t, a.QueryUsed)
	require.Len(t, a.TopExplanations, 3)
	assert.Equal(t, "a tank", a.TopExplanations[0].Prompt)
	assert.Equal(t, a.ThreatScore, a.TopExplanations[0].Score)
	assert.Equal(t, "water", a.Scene.Prompt)
	assert.NotEmpty(t, a.ImageHash)
	require.NotNil(t, a.Metadata)
	assert.Equal(t, "png", a.Metadata.Format)

	assert.True(t, strings.HasPrefix(a.Justification, `User query: "armor near the road?"`))
	assert.Contains(t, a.Justification, "Armored vehicles")
	assert.Contains(t, a.Justification, "Immediate dispatch")

	name := strings.TrimPrefix(a.MaskedImage, "/static/uploads/")
	assert.Equal(t, "masked_"+a.ID+".png", name)
	saved, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Equal(t, data, saved)

	stored, err := store.GetAnalysis(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Justification, stored.Justification)

	got, err := svc.Get(context.Background(), "alice@acme.com", a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = svc.Get(context.Background(), "mallory@evil.com", a.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	list, err := svc.List(context.Background(), "alice@acme.com", 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAnalysisService_LowConfidence(t *testing.T) {
	enc := new(MockEncoder)
	enc.On("EncodeImage", mock.Anything, mock.Anything).Return([]float32{1, 1}, nil)
	// identical prompts split the probability evenly
	enc.On("EncodeTexts", mock.Anything, testThreats).Return([][]float32{{1, 0}, {1, 0}, {1, 0}}, nil)
	enc.On("EncodeTexts", mock.Anything, testScenes).Return([][]float32{{1, 0}, {0, 1}}, nil)

	svc, _, _ := newTestService(t, enc, 0)
	a, err := svc.Analyze(context.Background(), AnalyzeRequest{Filename: "x", Data: makePNG(t, 8, 8)})
	require.NoError(t, err)

	assert.Equal(t, "a tank", a.TopThreat)
	assert.Equal(t, 33.33, a.ThreatScore)
	assert.False(t, a.QueryUsed)
	assert.True(t, strings.HasSuffix(a.MaskedImage, ".png"))
	assert.Contains(t, a.Justification, "Threat score is 33.3% — low confidence.")
	assert.Contains(t, a.Justification, "No immediate action required.")
}

func TestAnalysisService_DownscalesLargeUploads(t *testing.T) {
	enc := new(MockEncoder)
	enc.On("EncodeImage", mock.Anything, mock.MatchedBy(func(b []byte) bool {
		cfg, format, err := image.DecodeConfig(bytes.NewReader(b))
		return err == nil && format == "jpeg" && cfg.Width == 16 && cfg.Height == 8
	})).Return([]float32{1, 0}, nil).Once()
	enc.On("EncodeTexts", mock.Anything, testThreats).Return([][]float32{{1, 0}, {0, 1}, {1, 1}}, nil)
	enc.On("EncodeTexts", mock.Anything, testScenes).Return([][]float32{{1, 0}, {0, 1}}, nil)

	svc, _, _ := newTestService(t, enc, 16)
	_, err := svc.Analyze(context.Background(), AnalyzeRequest{Filename: "big.png", Data: makePNG(t, 64, 32)})
	require.NoError(t, err)
	enc.AssertExpectations(t)
}

func TestAnalysisService_InvalidImage(t *testing.T) {
	enc := new(MockEncoder)
	svc, _, dir := newTestService(t, enc, 0)

	_, err := svc.Analyze(context.Background(), AnalyzeRequest{Filename: "a.jpg", Data: []byte("nope")})
	assert.ErrorIs(t, err, ErrInvalidImage)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	enc.AssertNotCalled(t, "EncodeImage", mock.Anything, mock.Anything)
}

func TestAnalysisService_EncoderDown(t *testing.T) {
	svc, store, dir := newTestService(t, NullEncoder{}, 0)

	_, err := svc.Analyze(context.Background(), AnalyzeRequest{Owner: "alice@acme.com", Filename: "a.png", Data: makePNG(t, 4, 4)})
	assert.ErrorIs(t, err, ErrEncoderUnavailable)
	assert.ErrorIs(t, svc.WarmUp(context.Background()), ErrEncoderUnavailable)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed scans must not leave uploads behind")

	list, err := store.ListAnalyses(context.Background(), "alice@acme.com", 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAnalysisService_EncoderFailureRemovesUpload(t *testing.T) {
	enc := new(MockEncoder)
	enc.On("EncodeImage", mock.Anything, mock.Anything).Return([]float32{1, 0}, nil)
	// wrong dimension makes ranking fail after the upload was written
	enc.On("EncodeTexts", mock.Anything, testThreats).Return([][]float32{{1}, {1}, {1}}, nil)

	svc, _, dir := newTestService(t, enc, 0)
	_, err := svc.Analyze(context.Background(), AnalyzeRequest{Filename: "a.png", Data: makePNG(t, 4, 4)})
	assert.ErrorIs(t, err, ErrEncoderFailed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAnalysisService_PixelLimit(t *testing.T) {
	enc := new(MockEncoder)
	svc, _, dir := newTestService(t, enc, 0)

	// 101x100 is one row over the 10,000 pixel limit
	_, err := svc.Analyze(context.Background(), AnalyzeRequest{Filename: "wide.png", Data: makePNG(t, 101, 100)})
	assert.ErrorIs(t, err, ErrInvalidImage)
	assert.ErrorIs(t, err, imaging.ErrTooManyPixels)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	enc.AssertNotCalled(t, "EncodeImage", mock.Anything, mock.Anything)
}

func TestAnalysisService_DotSimilarity(t *testing.T) {
	enc := new(MockEncoder)
	enc.On("EncodeImage", mock.Anything, mock.Anything).Return([]float32{1, 0}, nil)
	// "a drone" points away from the image but has the larger product
	enc.On("EncodeTexts", mock.Anything, testThreats).Return([][]float32{{0.9, 0.1}, {2, 2}, {0, 0}}, nil)

	store, err := repository.OpenInMemoryBadgerStore()
	require.NoError(t, err)
	defer store.Close()

	svc, err := NewAnalysisService(AnalysisConfig{
		ThreatPrompts: testThreats,
		UploadsDir:    t.TempDir(),
	}, enc, store, nil, logging.Nop())
	require.NoError(t, err)

	a, err := svc.Analyze(context.Background(), AnalyzeRequest{Filename: "a.png", Data: makePNG(t, 4, 4)})
	require.NoError(t, err)
	assert.Equal(t, "a drone", a.TopThreat)
	assert.Equal(t, 68.11, a.ThreatScore)
	assert.Contains(t, a.Justification, "Threat score is 68.1% — moderate confidence.")
}

func TestAnalysisService_Conversation(t *testing.T) {
	enc := new(MockEncoder)
	enc.On("EncodeImage", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)
	enc.On("EncodeTexts", mock.Anything, testThreats).Return([][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}, nil)
	enc.On("EncodeTexts", mock.Anything, testScenes).Return([][]float32{{1, 0, 0}, {0, 1, 0}}, nil)

	svc, store, _ := newTestService(t, enc, 0)
	convs := NewConversationService(store)
	ctx := context.Background()
	convID := uuid.New().String()

	first, err := svc.Analyze(ctx, AnalyzeRequest{
		Owner: "alice@acme.com", Filename: "a.png", Data: makePNG(t, 8, 8),
		Query: "armor near the road?", ConversationID: convID,
	})
	require.NoError(t, err)
	assert.Equal(t, convID, first.ConversationID)

	second, err := svc.Analyze(ctx, AnalyzeRequest{
		Owner: "alice@acme.com", Filename: "b.png", Data: makePNG(t, 8, 8), ConversationID: convID,
	})
	require.NoError(t, err)

	list, err := convs.List(ctx, "alice@acme.com", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, convID, list[0].ID)
	assert.Equal(t, "armor near the road?", list[0].Title)

	msgs, err := convs.Messages(ctx, "alice@acme.com", convID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "armor near the road?", msgs[0].Content)
	assert.Equal(t, first.MaskedImage, msgs[0].Image)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, first.Justification, msgs[1].Content)
	require.NotNil(t, msgs[1].Analysis)
	assert.Equal(t, first.ID, msgs[1].Analysis.ID)
	assert.Equal(t, "Analyze this image.", msgs[2].Content)
	require.NotNil(t, msgs[3].Analysis)
	assert.Equal(t, second.ID, msgs[3].Analysis.ID)

	_, err = convs.Messages(ctx, "mallory@evil.com", convID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = svc.Analyze(ctx, AnalyzeRequest{
		Owner: "mallory@evil.com", Filename: "c.png", Data: makePNG(t, 8, 8), ConversationID: convID,
	})
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = svc.Analyze(ctx, AnalyzeRequest{
		Owner: "alice@acme.com", Filename: "c.png", Data: makePNG(t, 8, 8), ConversationID: "not-a-uuid",
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Analyze(ctx, AnalyzeRequest{Filename: "c.png", Data: makePNG(t, 8, 8), ConversationID: uuid.New().String()})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestConversationTitle(t *testing.T) {
	assert.Equal(t, models.DefaultConversationTitle, conversationTitle("  "))
	assert.Equal(t, "tanks?", conversationTitle(" tanks? "))
	long := strings.Repeat("é", 70)
	assert.Equal(t, strings.Repeat("é", 60)+"...", conversationTitle(long))
}

func TestNewAnalysisService_Validation(t *testing.T) {
	_, err := NewAnalysisService(AnalysisConfig{UploadsDir: t.TempDir()}, NullEncoder{}, nil, nil, logging.Nop())
	assert.Error(t, err)

	_, err = NewAnalysisService(AnalysisConfig{ThreatPrompts: testThreats}, NullEncoder{}, nil, nil, logging.Nop())
	assert.Error(t, err)
}

func TestUploadExt(t *testing.T) {
	assert.Equal(t, "jpg", uploadExt("photo.JPG", "jpeg"))
	assert.Equal(t, "png", uploadExt("noext", "png"))
	assert.Equal(t, "jpeg", uploadExt("weird.j$g", "jpeg"))
	assert.Equal(t, "webp", uploadExt("../../etc/passwd.webp", "webp"))
	assert.Equal(t, "gif", uploadExt("", "gif"))
}
