package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"inteltrace/internal/auth"
	"inteltrace/internal/repository"
	"inteltrace/internal/services"
	"inteltrace/pkg/models"
)

// Analyzer is the part of the analysis service exposed as tools.
type Analyzer interface {
	Analyze(ctx context.Context, req services.AnalyzeRequest) (*models.Analysis, error)
	Get(ctx context.Context, owner, id string) (*models.Analysis, error)
	List(ctx context.Context, owner string, limit int) ([]*models.Analysis, error)
}

// Conversations is the read side of the conversation history.
type Conversations interface {
	List(ctx context.Context, owner string, limit int) ([]*models.Conversation, error)
	Messages(ctx context.Context, owner, id string) ([]*models.Message, error)
}

type Server struct {
	mcpServer     *server.MCPServer
	analyzer      Analyzer
	conversations Conversations
}

func NewServer(analyzer Analyzer, conversations Conversations, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"InTelTrace Threat Scan",
			version,
			server.WithToolCapabilities(true),
		),
		analyzer:      analyzer,
		conversations: conversations,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"analyze_image",
			mcp.WithDescription("Score a masked image against the threat prompts and explain the result"),
			mcp.WithString("image_base64", mcp.Required(), mcp.Description("The image file, base64 encoded")),
			mcp.WithString("filename", mcp.Description("Original file name, used for the stored extension")),
			mcp.WithString("query", mcp.Description("Optional analyst question echoed in the justification")),
			mcp.WithString("conversation_id", mcp.Description("Optional conversation UUID; created on first use")),
		),
		s.handleAnalyzeImage,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_analysis",
			mcp.WithDescription("Fetch a stored analysis"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the analysis")),
		),
		s.handleGetAnalysis,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_analyses",
			mcp.WithDescription("List recent analyses, newest first"),
			mcp.WithNumber("limit", mcp.Description(fmt.Sprintf("Maximum results (default %d, max %d)", repository.DefaultListLimit, repository.MaxListLimit))),
		),
		s.handleListAnalyses,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_conversations",
			mcp.WithDescription("List your conversations, most recently updated first"),
			mcp.WithNumber("limit", mcp.Description(fmt.Sprintf("Maximum results (default %d, max %d)", repository.DefaultListLimit, repository.MaxListLimit))),
		),
		s.handleListConversations,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_conversation_messages",
			mcp.WithDescription("Fetch the messages of a conversation, oldest first, with their analyses"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the conversation")),
		),
		s.handleGetConversationMessages,
	)
}

func (s *Server) handleAnalyzeImage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	encoded, ok := args["image_base64"].(string)
	if !ok || encoded == "" {
		return mcp.NewToolResultError("Missing required parameter: image_base64"), nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return mcp.NewToolResultError("image_base64 is not valid base64"), nil
	}

	filename, _ := args["filename"].(string)
	query, _ := args["query"].(string)
	conversationID, _ := args["conversation_id"].(string)

	analysis, err := s.analyzer.Analyze(ctx, services.AnalyzeRequest{
		Owner:          ownerOf(ctx),
		Filename:       filename,
		Data:           data,
		Query:          query,
		ConversationID: conversationID,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to analyze: %v", err)), nil
	}

	return jsonResult(analysis)
}

func (s *Server) handleGetAnalysis(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	id, ok := args["id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	analysis, err := s.analyzer.Get(ctx, ownerOf(ctx), id)
	if errors.Is(err, repository.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("Analysis %s not found", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get analysis: %v", err)), nil
	}

	return jsonResult(analysis)
}

func (s *Server) handleListAnalyses(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", 0)
	if limit < 0 {
		return mcp.NewToolResultError("limit must not be negative"), nil
	}

	analyses, err := s.analyzer.List(ctx, ownerOf(ctx), repository.ClampLimit(limit))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list analyses: %v", err)), nil
	}
	if analyses == nil {
		analyses = []*models.Analysis{}
	}

	return jsonResult(analyses)
}

func (s *Server) handleListConversations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner := ownerOf(ctx)
	if owner == "" {
		return mcp.NewToolResultError("Conversations require a signed-in analyst"), nil
	}
	limit := request.GetInt("limit", 0)
	if limit < 0 {
		return mcp.NewToolResultError("limit must not be negative"), nil
	}

	convs, err := s.conversations.List(ctx, owner, repository.ClampLimit(limit))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list conversations: %v", err)), nil
	}
	if convs == nil {
		convs = []*models.Conversation{}
	}

	return jsonResult(convs)
}

func (s *Server) handleGetConversationMessages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner := ownerOf(ctx)
	if owner == "" {
		return mcp.NewToolResultError("Conversations require a signed-in analyst"), nil
	}
	id := request.GetString("id", "")
	if id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	msgs, err := s.conversations.Messages(ctx, owner, id)
	if errors.Is(err, repository.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("Conversation %s not found", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get messages: %v", err)), nil
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}

	return jsonResult(msgs)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// ownerOf scopes tool calls to the authenticated analyst, if there is one.
func ownerOf(ctx context.Context) string {
	if u, ok := auth.UserFromContext(ctx); ok {
		return u.Email
	}
	return ""
}

// MountHTTPHandlers serves the SSE transport under /mcp. The analyst found on
// the incoming request is carried into tool calls.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if u, ok := auth.UserFromContext(r.Context()); ok {
				return auth.WithUser(ctx, u)
			}
			return ctx
		}),
	)

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
