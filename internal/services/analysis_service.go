package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"inteltrace/internal/imaging"
	"inteltrace/internal/justify"
	"inteltrace/internal/repository"
	"inteltrace/internal/telemetry"
	"inteltrace/internal/zeroshot"
	"inteltrace/pkg/models"
)

// TopExplanationCount is how many threat prompts are reported back.
const TopExplanationCount = 3

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// conversationTitleLen caps the title taken from the first query.
const conversationTitleLen = 60

// AnalysisRepository is the storage an AnalysisService writes to.
type AnalysisRepository interface {
	repository.AnalysisStore
	repository.ConversationStore
}

// AnalysisConfig tunes an AnalysisService.
type AnalysisConfig struct {
	ThreatPrompts []string
	ScenePrompts  []string
	Similarity    zeroshot.Similarity
	// LogitScale of 0 uses the default of Similarity.
	LogitScale float64
	UploadsDir string
	// PublicPrefix is the URL path under which UploadsDir is served.
	PublicPrefix string
	// MaxSide bounds the image sent to the encoder; 0 sends the original.
	MaxSide int
	// MaxPixels rejects uploads whose header declares more pixels; 0 is
	// unlimited.
	MaxPixels int
}

// AnalyzeRequest is a single upload to scan.
type AnalyzeRequest struct {
	Owner    string
	Filename string
	Data     []byte
	Query    string
	// ConversationID, when set, appends the scan to that conversation and
	// creates it on first use.
	ConversationID string
}

// AnalysisService runs the zero-shot threat scan.
type AnalysisService struct {
	cfg     AnalysisConfig
	encoder Encoder
	store   AnalysisRepository
	metrics *telemetry.Metrics
	logger  Logger
}

// NewAnalysisService creates a new AnalysisService.
func NewAnalysisService(cfg AnalysisConfig, encoder Encoder, store AnalysisRepository, metrics *telemetry.Metrics, logger Logger) (*AnalysisService, error) {
	if len(cfg.ThreatPrompts) == 0 {
		return nil, errors.New("at least one threat prompt is required")
	}
	if cfg.UploadsDir == "" {
		return nil, errors.New("uploads directory is required")
	}
	if _, err := zeroshot.ParseSimilarity(string(cfg.Similarity)); err != nil {
		return nil, err
	}
	if cfg.PublicPrefix == "" {
		cfg.PublicPrefix = "/static/uploads"
	}
	if err := os.MkdirAll(cfg.UploadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	return &AnalysisService{
		cfg:     cfg,
		encoder: encoder,
		store:   store,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// Analyze saves the upload, ranks the prompts and stores the result. The
// saved upload is removed again when any later step fails.
func (s *AnalysisService) Analyze(ctx context.Context, req AnalyzeRequest) (*models.Analysis, error) {
	decoded, err := imaging.Decode(req.Data, s.cfg.MaxPixels)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	var conv *models.Conversation
	if req.ConversationID != "" {
		if conv, err = s.conversationFor(ctx, req.Owner, req.ConversationID); err != nil {
			return nil, err
		}
	}

	id := uuid.New().String()
	name := fmt.Sprintf("masked_%s.%s", id, uploadExt(req.Filename, decoded.Format))
	path := filepath.Join(s.cfg.UploadsDir, name)
	if err := os.WriteFile(path, req.Data, 0o644); err != nil {
		return nil, fmt.Errorf("save upload: %w", err)
	}
	stored := false
	defer func() {
		if stored {
			return
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to remove upload", "path", path, "error", err)
		}
	}()

	payload := req.Data
	if s.cfg.MaxSide > 0 && (decoded.Width > s.cfg.MaxSide || decoded.Height > s.cfg.MaxSide) {
		payload, err = imaging.EncodeJPEG(imaging.Thumbnail(decoded.Image, s.cfg.MaxSide))
		if err != nil {
			return nil, err
		}
	}

	imageEmb, err := s.encoder.EncodeImage(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	threats, err := s.rank(ctx, imageEmb, s.cfg.ThreatPrompts)
	if err != nil {
		return nil, err
	}
	best := threats.Best()
	threatScore := best.Probability * 100
	topThreatScore := zeroshot.Percent(best.Probability)

	meta, err := imaging.Metadata(req.Data, decoded)
	if err != nil {
		s.logger.Debug("exif not read", "id", id, "error", err)
	}

	analysis := &models.Analysis{
		ID:             id,
		Owner:          req.Owner,
		ConversationID: req.ConversationID,
		Query:          req.Query,
		MaskedImage:    s.cfg.PublicPrefix + "/" + name,
		ThreatScore:    topThreatScore,
		TopThreat:      best.Prompt,
		Justification: justify.Build(justify.Facts{
			Query:          req.Query,
			TopThreat:      best.Prompt,
			TopThreatScore: topThreatScore,
			ThreatScore:    threatScore,
		}),
		QueryUsed: req.Query != "",
		Metadata:  meta,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	for _, sc := range threats.Top(TopExplanationCount) {
		analysis.TopExplanations = append(analysis.TopExplanations, models.PromptScore{
			Prompt: sc.Prompt,
			Score:  zeroshot.Percent(sc.Probability),
		})
	}

	if len(s.cfg.ScenePrompts) > 0 {
		scene, err := s.rank(ctx, imageEmb, s.cfg.ScenePrompts)
		if err != nil {
			return nil, err
		}
		top := scene.Best()
		analysis.Scene = models.PromptScore{Prompt: top.Prompt, Score: zeroshot.Percent(top.Probability)}
	}

	if hash, err := imaging.PerceptualHash(decoded.Image); err == nil {
		analysis.ImageHash = hash
	} else {
		s.logger.Warn("perceptual hash failed", "id", id, "error", err)
	}

	if err := s.store.SaveAnalysis(ctx, analysis); err != nil {
		return nil, fmt.Errorf("store analysis: %w", err)
	}
	stored = true

	if req.ConversationID != "" {
		if err := s.record(ctx, conv, req, analysis); err != nil {
			return nil, err
		}
	}

	s.metrics.AnalysisCompleted(ctx, string(models.BandFor(threatScore)))
	s.logger.Info("analysis completed",
		"id", id,
		"owner", req.Owner,
		"conversation", req.ConversationID,
		"top_threat", best.Prompt,
		"threat_score", analysis.ThreatScore,
		"scene", analysis.Scene.Prompt,
	)
	return analysis, nil
}

// conversationFor checks that id may be used by owner. A nil conversation
// with a nil error means it does not exist yet.
func (s *AnalysisService) conversationFor(ctx context.Context, owner, id string) (*models.Conversation, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: conversations need a signed-in analyst", ErrInvalidRequest)
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: conversation id %q is not a UUID", ErrInvalidRequest, id)
	}

	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv.Owner != owner {
		return nil, repository.ErrNotFound
	}
	return conv, nil
}

// record appends the analyst's upload and the generated report to the
// conversation, creating it when conv is nil.
func (s *AnalysisService) record(ctx context.Context, conv *models.Conversation, req AnalyzeRequest, a *models.Analysis) error {
	if conv == nil {
		conv = &models.Conversation{
			ID:        req.ConversationID,
			Owner:     req.Owner,
			Title:     conversationTitle(req.Query),
			CreatedAt: a.CreatedAt,
		}
		err := s.store.CreateConversation(ctx, conv)
		if errors.Is(err, repository.ErrConflict) {
			// created by a concurrent scan; it must still belong to owner
			conv, err = s.conversationFor(ctx, req.Owner, req.ConversationID)
			if err == nil && conv == nil {
				err = repository.ErrNotFound
			}
		}
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
	}

	content := req.Query
	if content == "" {
		content = "Analyze this image."
	}
	messages := []*models.Message{
		{ConversationID: conv.ID, Role: models.RoleUser, Content: content, Image: a.MaskedImage, CreatedAt: a.CreatedAt},
		{ConversationID: conv.ID, Role: models.RoleAssistant, Content: a.Justification, AnalysisID: a.ID, CreatedAt: a.CreatedAt.Add(time.Microsecond)},
	}
	for _, m := range messages {
		if err := s.store.AddMessage(ctx, m); err != nil {
			return fmt.Errorf("add %s message: %w", m.Role, err)
		}
	}
	return nil
}

func conversationTitle(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return models.DefaultConversationTitle
	}
	if r := []rune(query); len(r) > conversationTitleLen {
		return string(r[:conversationTitleLen]) + "..."
	}
	return query
}

// Get returns a stored analysis visible to owner. An empty owner sees all.
func (s *AnalysisService) Get(ctx context.Context, owner, id string) (*models.Analysis, error) {
	a, err := s.store.GetAnalysis(ctx, id)
	if err != nil {
		return nil, err
	}
	if owner != "" && a.Owner != owner {
		return nil, repository.ErrNotFound
	}
	return a, nil
}

// List returns the newest analyses of owner.
func (s *AnalysisService) List(ctx context.Context, owner string, limit int) ([]*models.Analysis, error) {
	return s.store.ListAnalyses(ctx, owner, limit)
}

// WarmUp encodes every prompt once so the first upload does not pay for it.
// It only helps when the encoder caches.
func (s *AnalysisService) WarmUp(ctx context.Context) error {
	prompts := append(append([]string{}, s.cfg.ThreatPrompts...), s.cfg.ScenePrompts...)
	if _, err := s.encoder.EncodeTexts(ctx, prompts); err != nil {
		return fmt.Errorf("warm up prompts: %w", err)
	}
	return nil
}

func (s *AnalysisService) rank(ctx context.Context, image []float32, prompts []string) (zeroshot.Ranking, error) {
	texts, err := s.encoder.EncodeTexts(ctx, prompts)
	if err != nil {
		return zeroshot.Ranking{}, fmt.Errorf("encode prompts: %w", err)
	}
	r, err := zeroshot.Rank(image, prompts, texts, zeroshot.Options{
		Similarity: s.cfg.Similarity,
		LogitScale: s.cfg.LogitScale,
	})
	if err != nil {
		return zeroshot.Ranking{}, fmt.Errorf("%w: %v", ErrEncoderFailed, err)
	}
	return r, nil
}

// uploadExt keeps the client's extension when it looks sane, otherwise uses
// the decoded format.
func uploadExt(filename, format string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filepath.Base(filename)), "."))
	if ext == "" || len(ext) > 5 || strings.IndexFunc(ext, notAlnum) >= 0 {
		return format
	}
	return ext
}

func notAlnum(r rune) bool {
	return (r < 'a' || r > 'z') && (r < '0' || r > '9')
}
