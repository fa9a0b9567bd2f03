package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"
)

// ServerInterface represents all server handlers of the /api/v1 group.
type ServerInterface interface {
	// (POST /analyze)
	Analyze(ctx echo.Context) error
	// (GET /analyses)
	ListAnalyses(ctx echo.Context, params ListAnalysesParams) error
	// (GET /analyses/{id})
	GetAnalysis(ctx echo.Context, id string) error
	// (GET /conversations)
	ListConversations(ctx echo.Context, params ListConversationsParams) error
	// (GET /conversations/{id}/messages)
	ListMessages(ctx echo.Context, id string) error
	// (GET /auth/me)
	GetMe(ctx echo.Context) error
}

// ListAnalysesParams defines parameters for ListAnalyses.
type ListAnalysesParams struct {
	// Limit caps the number of results; 0 selects the default page size.
	Limit *int `form:"limit,omitempty" json:"limit,omitempty"`
}

// ListConversationsParams defines parameters for ListConversations.
type ListConversationsParams struct {
	Limit *int `form:"limit,omitempty" json:"limit,omitempty"`
}

// ServerInterfaceWrapper converts echo contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

// Analyze converts echo context to params.
func (w *ServerInterfaceWrapper) Analyze(ctx echo.Context) error {
	return w.Handler.Analyze(ctx)
}

// ListAnalyses converts echo context to params.
func (w *ServerInterfaceWrapper) ListAnalyses(ctx echo.Context) error {
	var params ListAnalysesParams

	err := runtime.BindQueryParameter("form", true, false, "limit", ctx.QueryParams(), &params.Limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter limit: %s", err))
	}

	return w.Handler.ListAnalyses(ctx, params)
}

// GetAnalysis converts echo context to params.
func (w *ServerInterfaceWrapper) GetAnalysis(ctx echo.Context) error {
	var id string

	err := runtime.BindStyledParameterWithOptions("simple", "id", ctx.Param("id"), &id, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter id: %s", err))
	}

	return w.Handler.GetAnalysis(ctx, id)
}

// ListConversations converts echo context to params.
func (w *ServerInterfaceWrapper) ListConversations(ctx echo.Context) error {
	var params ListConversationsParams

	err := runtime.BindQueryParameter("form", true, false, "limit", ctx.QueryParams(), &params.Limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter limit: %s", err))
	}

	return w.Handler.ListConversations(ctx, params)
}

// ListMessages converts echo context to params.
func (w *ServerInterfaceWrapper) ListMessages(ctx echo.Context) error {
	var id string

	err := runtime.BindStyledParameterWithOptions("simple", "id", ctx.Param("id"), &id, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter id: %s", err))
	}

	return w.Handler.ListMessages(ctx, id)
}

// GetMe converts echo context to params.
func (w *ServerInterfaceWrapper) GetMe(ctx echo.Context) error {
	return w.Handler.GetMe(ctx)
}

// EchoRouter is satisfied by both *echo.Echo and *echo.Group.
type EchoRouter interface {
	GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

// RegisterHandlers adds each server route to the EchoRouter.
func RegisterHandlers(router EchoRouter, si ServerInterface) {
	RegisterHandlersWithBaseURL(router, si, "")
}

// RegisterHandlersWithBaseURL registers the handlers under baseURL.
func RegisterHandlersWithBaseURL(router EchoRouter, si ServerInterface, baseURL string) {
	wrapper := ServerInterfaceWrapper{
		Handler: si,
	}

	router.POST(baseURL+"/analyze", wrapper.Analyze)
	router.GET(baseURL+"/analyses", wrapper.ListAnalyses)
	router.GET(baseURL+"/analyses/:id", wrapper.GetAnalysis)
	router.GET(baseURL+"/conversations", wrapper.ListConversations)
	router.GET(baseURL+"/conversations/:id/messages", wrapper.ListMessages)
	router.GET(baseURL+"/auth/me", wrapper.GetMe)
}
