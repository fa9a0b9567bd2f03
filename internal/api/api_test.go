package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"inteltrace/internal/auth"
	"inteltrace/internal/repository"
	"inteltrace/internal/services"
	"inteltrace/pkg/models"
)

// MockAnalyzer satisfies Analyzer
type MockAnalyzer struct {
	mock.Mock
}

func (m *MockAnalyzer) Analyze(ctx context.Context, req services.AnalyzeRequest) (*models.Analysis, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Analysis), args.Error(1)
}

func (m *MockAnalyzer) Get(ctx context.Context, owner, id string) (*models.Analysis, error) {
	args := m.Called(ctx, owner, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Analysis), args.Error(1)
}

func (m *MockAnalyzer) List(ctx context.Context, owner string, limit int) ([]*models.Analysis, error) {
	args := m.Called(ctx, owner, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Analysis), args.Error(1)
}

// MockConversations satisfies Conversations
type MockConversations struct {
	mock.Mock
}

func (m *MockConversations) List(ctx context.Context, owner string, limit int) ([]*models.Conversation, error) {
	args := m.Called(ctx, owner, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Conversation), args.Error(1)
}

func (m *MockConversations) Messages(ctx context.Context, owner, id string) ([]*models.Message, error) {
	args := m.Called(ctx, owner, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Message), args.Error(1)
}

const analyst = "analyst@acme.com"

func newTestEcho(analyzer Analyzer, maxBytes int64) *echo.Echo {
	return newTestEchoWith(analyzer, new(MockConversations), maxBytes)
}

// newTestEchoWith mounts the routes the way the server does; the /api/v1
// group gets a fake authentication middleware.
func newTestEchoWith(analyzer Analyzer, convs Conversations, maxBytes int64) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(nil)

	srv := NewServer(analyzer, convs, maxBytes)
	e.POST("/analyze", srv.Analyze)

	g := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("X-Test-Anonymous") != "" {
				return next(c)
			}
			ctx := auth.WithUser(c.Request().Context(), &models.User{ID: "u1", Email: analyst})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	RegisterHandlers(g, srv)
	return e
}

func multipartUpload(t *testing.T, field string, data []byte, query string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		fw, err := mw.CreateFormFile(field, "masked.png")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	if query != "" {
		require.NoError(t, mw.WriteField("query", query))
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func doUpload(e *echo.Echo, path string, body *bytes.Buffer, ct string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set(echo.HeaderContentType, ct)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ProblemDetails {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
	var p ProblemDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestAnalyze_Public(t *testing.T) {
	analyzer := new(MockAnalyzer)
	want := &models.Analysis{
		ID:          "a1",
		MaskedImage: "/static/uploads/masked_a1.png",
		ThreatScore: 87.5,
		TopThreat:   "a tank",
		QueryUsed:   true,
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	analyzer.On("Analyze", mock.Anything, mock.MatchedBy(func(r services.AnalyzeRequest) bool {
		return r.Owner == "" && r.Filename == "masked.png" && string(r.Data) == "pixels" && r.Query == "tank?"
	})).Return(want, nil)

	e := newTestEcho(analyzer, 1024)
	body, ct := multipartUpload(t, "file", []byte("pixels"), "tank?")
	rec := doUpload(e, "/analyze", body, ct)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got models.Analysis
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, *want, got)
	analyzer.AssertExpectations(t)
}

func TestAnalyze_AuthenticatedSetsOwner(t *testing.T) {
	analyzer := new(MockAnalyzer)
	analyzer.On("Analyze", mock.Anything, mock.MatchedBy(func(r services.AnalyzeRequest) bool {
		return r.Owner == analyst && r.Query == ""
	})).Return(&models.Analysis{ID: "a2", Owner: analyst}, nil)

	e := newTestEcho(analyzer, 0)
	body, ct := multipartUpload(t, "file", []byte("pixels"), "")
	rec := doUpload(e, "/api/v1/analyze", body, ct)

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	analyzer.AssertExpectations(t)
}

func TestAnalyze_Errors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid image", fmt.Errorf("%w: unknown format", services.ErrInvalidImage), http.StatusBadRequest},
		{"sidecar down", fmt.Errorf("encode image: %w", services.ErrEncoderUnavailable), http.StatusServiceUnavailable},
		{"sidecar broken", fmt.Errorf("encode image: %w", services.ErrEncoderFailed), http.StatusBadGateway},
		{"unexpected", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			analyzer := new(MockAnalyzer)
			analyzer.On("Analyze", mock.Anything, mock.Anything).Return(nil, tc.err)

			e := newTestEcho(analyzer, 0)
			body, ct := multipartUpload(t, "file", []byte("x"), "")
			rec := doUpload(e, "/analyze", body, ct)

			assert.Equal(t, tc.status, rec.Code)
			p := decodeProblem(t, rec)
			assert.Equal(t, tc.status, p.Status)
			assert.Equal(t, "/analyze", p.Instance)
		})
	}
}

func TestAnalyze_MissingFile(t *testing.T) {
	analyzer := new(MockAnalyzer)
	e := newTestEcho(analyzer, 0)

	body, ct := multipartUpload(t, "", nil, "only a query")
	rec := doUpload(e, "/analyze", body, ct)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeProblem(t, rec).Detail, "'file'")
	analyzer.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything)
}

func TestAnalyze_TooLarge(t *testing.T) {
	analyzer := new(MockAnalyzer)
	e := newTestEcho(analyzer, 8)

	body, ct := multipartUpload(t, "file", bytes.Repeat([]byte("x"), 9), "")
	rec := doUpload(e, "/analyze", body, ct)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	analyzer.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything)
}

func TestListAnalyses_Limit(t *testing.T) {
	cases := map[string]int{
		"":           repository.DefaultListLimit,
		"?limit=5":   5,
		"?limit=0":   repository.DefaultListLimit,
		"?limit=500": repository.MaxListLimit,
	}
	for query, limit := range cases {
		t.Run("limit"+query, func(t *testing.T) {
			analyzer := new(MockAnalyzer)
			analyzer.On("List", mock.Anything, analyst, limit).Return([]*models.Analysis{{ID: "a1"}}, nil)

			e := newTestEcho(analyzer, 0)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analyses"+query, nil))

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			var got []models.Analysis
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Len(t, got, 1)
			analyzer.AssertExpectations(t)
		})
	}
}

func TestListAnalyses_BadLimit(t *testing.T) {
	for _, q := range []string{"?limit=abc", "?limit=-1"} {
		analyzer := new(MockAnalyzer)
		e := newTestEcho(analyzer, 0)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analyses"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestListAnalyses_EmptyIsArray(t *testing.T) {
	analyzer := new(MockAnalyzer)
	analyzer.On("List", mock.Anything, analyst, repository.DefaultListLimit).Return(nil, nil)

	e := newTestEcho(analyzer, 0)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analyses", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestListAnalyses_RequiresUser(t *testing.T) {
	e := newTestEcho(new(MockAnalyzer), 0)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/analyses", nil)
	req.Header.Set("X-Test-Anonymous", "1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetAnalysis(t *testing.T) {
	analyzer := new(MockAnalyzer)
	analyzer.On("Get", mock.Anything, analyst, "a1").Return(&models.Analysis{ID: "a1", Owner: analyst}, nil)
	analyzer.On("Get", mock.Anything, analyst, "missing").Return(nil, repository.ErrNotFound)

	e := newTestEcho(analyzer, 0)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analyses/a1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analyses/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not found", decodeProblem(t, rec).Detail)
}

func TestAnalyze_ConversationID(t *testing.T) {
	analyzer := new(MockAnalyzer)
	analyzer.On("Analyze", mock.Anything, mock.MatchedBy(func(r services.AnalyzeRequest) bool {
		return r.Owner == analyst && r.ConversationID == "c1"
	})).Return(nil, fmt.Errorf("%w: conversation id %q is not a UUID", services.ErrInvalidRequest, "c1"))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "masked.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("pixels"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("conversation_id", "c1"))
	require.NoError(t, mw.Close())

	rec := doUpload(newTestEcho(analyzer, 0), "/api/v1/analyze", &body, mw.FormDataContentType())

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeProblem(t, rec).Detail, "not a UUID")
	analyzer.AssertExpectations(t)
}

func TestListConversations(t *testing.T) {
	convs := new(MockConversations)
	convs.On("List", mock.Anything, analyst, 5).Return([]*models.Conversation{{ID: "c1", Owner: analyst, Title: "Convoy"}}, nil)
	convs.On("List", mock.Anything, analyst, repository.DefaultListLimit).Return(nil, nil)

	e := newTestEchoWith(new(MockAnalyzer), convs, 0)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/conversations?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got []models.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "Convoy", got[0].Title)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil))
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/conversations?limit=-2", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	convs.AssertExpectations(t)
}

func TestListMessages(t *testing.T) {
	convs := new(MockConversations)
	convs.On("Messages", mock.Anything, analyst, "c1").Return([]*models.Message{
		{ID: "m1", ConversationID: "c1", Role: models.RoleUser, Content: "tanks?"},
		{ID: "m2", ConversationID: "c1", Role: models.RoleAssistant, Content: "report", AnalysisID: "a1",
			Analysis: &models.Analysis{ID: "a1", TopThreat: "a tank"}},
	}, nil)
	convs.On("Messages", mock.Anything, analyst, "foreign").Return(nil, repository.ErrNotFound)

	e := newTestEchoWith(new(MockAnalyzer), convs, 0)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/conversations/c1/messages", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got []models.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, models.RoleAssistant, got[1].Role)
	require.NotNil(t, got[1].Analysis)
	assert.Equal(t, "a tank", got[1].Analysis.TopThreat)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/conversations/foreign/messages", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/c1/messages", nil)
	req.Header.Set("X-Test-Anonymous", "1")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetMe(t *testing.T) {
	e := newTestEcho(new(MockAnalyzer), 0)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var u models.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &u))
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, analyst, u.Email)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.Header.Set("X-Test-Anonymous", "1")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	h := NewHandler(map[string]Check{
		"storage": func(context.Context) error { return nil },
		"clip":    func(context.Context) error { return errors.New("connection refused") },
	})
	e := echo.New()
	e.GET("/health", h.HandleHealth)
	e.GET("/ready", h.HandleReady)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, "ok", status.Checks["storage"])
	assert.Equal(t, "connection refused", status.Checks["clip"])
}

func TestHome(t *testing.T) {
	dir := t.TempDir()
	tmpl := `<h1>{{.Title}}</h1><form action="{{.AnalyzeURL}}"></form>{{range .ThreatPrompts}}<li>{{.}}</li>{{end}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte(tmpl), 0o644))

	r, err := NewRenderer(dir)
	require.NoError(t, err)
	e := echo.New()
	e.Renderer = r
	e.GET("/", HandleHome([]string{"a tank", "a drone"}))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "InTelTrace Threat Scan")
	assert.Contains(t, rec.Body.String(), `action="/analyze"`)
	assert.Contains(t, rec.Body.String(), "<li>a drone</li>")
}

func TestNewRenderer_NoTemplates(t *testing.T) {
	_, err := NewRenderer(t.TempDir())
	assert.Error(t, err)
}

func TestSpecHandler(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openapi.yaml")
	require.NoError(t, os.WriteFile(path, []byte("issuer: {oktaIssuer}/v1\n"), 0o644))

	rec := httptest.NewRecorder()
	SpecHandler(path, "https://id.example.com")(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	assert.Equal(t, "issuer: https://id.example.com/v1\n", rec.Body.String())

	rec = httptest.NewRecorder()
	SpecHandler(filepath.Join(t.TempDir(), "nope.yaml"), "")(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSwaggerHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/docs", nil)
	req.Host = "scan.local"
	SwaggerHandler("https://id.example.com", "swagger-client", []string{"openid", "threat:read"})(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, `clientId: "swagger-client"`)
	assert.Contains(t, body, `scopes: "openid threat:read"`)
	assert.Contains(t, body, "http://scan.local/docs/oauth2-redirect.html")
}
