package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"inteltrace/internal/auth"
	"inteltrace/internal/repository"
	"inteltrace/internal/services"
	"inteltrace/pkg/models"
)

// Analyzer is the slice of the analysis service the API needs.
type Analyzer interface {
	Analyze(ctx context.Context, req services.AnalyzeRequest) (*models.Analysis, error)
	Get(ctx context.Context, owner, id string) (*models.Analysis, error)
	List(ctx context.Context, owner string, limit int) ([]*models.Analysis, error)
}

// Conversations is the slice of the conversation service the API needs.
type Conversations interface {
	List(ctx context.Context, owner string, limit int) ([]*models.Conversation, error)
	Messages(ctx context.Context, owner, id string) ([]*models.Message, error)
}

// Server holds the dependencies for the analysis API.
type Server struct {
	analyzer      Analyzer
	conversations Conversations
	maxBytes      int64
}

var _ ServerInterface = (*Server)(nil)

// NewServer creates a new Server. Uploads larger than maxBytes are rejected.
func NewServer(analyzer Analyzer, conversations Conversations, maxBytes int64) *Server {
	return &Server{analyzer: analyzer, conversations: conversations, maxBytes: maxBytes}
}

// Analyze scans an uploaded image against the threat prompts.
// (POST /analyze and POST /api/v1/analyze)
func (s *Server) Analyze(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field 'file' is required")
	}
	if s.maxBytes > 0 && fh.Size > s.maxBytes {
		return tooLarge(s.maxBytes)
	}

	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if s.maxBytes > 0 {
		r = io.LimitReader(f, s.maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read upload: %w", err)
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return tooLarge(s.maxBytes)
	}

	analysis, err := s.analyzer.Analyze(c.Request().Context(), services.AnalyzeRequest{
		Owner:    ownerOf(c),
		Filename: fh.Filename,
		Data:     data,
		Query:    c.FormValue("query"),

		ConversationID: c.FormValue("conversation_id"),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, analysis)
}

// ListAnalyses returns the caller's analyses, newest first.
// (GET /api/v1/analyses)
func (s *Server) ListAnalyses(c echo.Context, params ListAnalysesParams) error {
	owner, err := requireOwner(c)
	if err != nil {
		return err
	}

	limit, err := limitOf(params.Limit)
	if err != nil {
		return err
	}

	analyses, err := s.analyzer.List(c.Request().Context(), owner, limit)
	if err != nil {
		return err
	}
	if analyses == nil {
		analyses = []*models.Analysis{}
	}
	return c.JSON(http.StatusOK, analyses)
}

// GetAnalysis returns one of the caller's analyses.
// (GET /api/v1/analyses/{id})
func (s *Server) GetAnalysis(c echo.Context, id string) error {
	owner, err := requireOwner(c)
	if err != nil {
		return err
	}

	analysis, err := s.analyzer.Get(c.Request().Context(), owner, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, analysis)
}

// ListConversations returns the caller's conversations, most recently
// updated first.
// (GET /api/v1/conversations)
func (s *Server) ListConversations(c echo.Context, params ListConversationsParams) error {
	owner, err := requireOwner(c)
	if err != nil {
		return err
	}
	limit, err := limitOf(params.Limit)
	if err != nil {
		return err
	}

	convs, err := s.conversations.List(c.Request().Context(), owner, limit)
	if err != nil {
		return err
	}
	if convs == nil {
		convs = []*models.Conversation{}
	}
	return c.JSON(http.StatusOK, convs)
}

// ListMessages returns the messages of one of the caller's conversations,
// oldest first, with their analyses attached.
// (GET /api/v1/conversations/{id}/messages)
func (s *Server) ListMessages(c echo.Context, id string) error {
	owner, err := requireOwner(c)
	if err != nil {
		return err
	}

	msgs, err := s.conversations.Messages(c.Request().Context(), owner, id)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	return c.JSON(http.StatusOK, msgs)
}

// GetMe returns the signed-in analyst.
// (GET /api/v1/auth/me)
func (s *Server) GetMe(c echo.Context) error {
	u, ok := auth.UserFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return c.JSON(http.StatusOK, u)
}

func limitOf(p *int) (int, error) {
	if p == nil {
		return repository.ClampLimit(0), nil
	}
	if *p < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "limit must not be negative")
	}
	return repository.ClampLimit(*p), nil
}

// ownerOf is the caller's email, empty on public routes.
func ownerOf(c echo.Context) string {
	if u, ok := auth.UserFromContext(c.Request().Context()); ok {
		return u.Email
	}
	return ""
}

func requireOwner(c echo.Context) (string, error) {
	owner := ownerOf(c)
	if owner == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return owner, nil
}

func tooLarge(limit int64) error {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", limit))
}
