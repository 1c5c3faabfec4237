package v1

import (
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcp-ambassador/ambassador/pkg/pipeline"
)

// ToolRoutes exposes the aggregated tool catalog and the invocation endpoint.
type ToolRoutes struct {
	pipeline *pipeline.Pipeline
}

// ToolRouter creates the router for the tool API.
func ToolRouter(p *pipeline.Pipeline) http.Handler {
	routes := ToolRoutes{pipeline: p}

	r := chi.NewRouter()
	r.Get("/", routes.listTools)
	r.Post("/invoke", routes.invokeTool)
	return r
}

type toolDescriptor struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	InputSchema mcp.ToolInputSchema `json:"input_schema"`
	Metadata    toolMetadata        `json:"metadata"`
}

type toolMetadata struct {
	MCPServer string `json:"mcp_server"`
}

type listToolsResponse struct {
	Tools      []toolDescriptor `json:"tools"`
	APIVersion string           `json:"api_version"`
	Timestamp  time.Time        `json:"timestamp"`
}

// listTools returns the tools visible to the session, filtered by its
// effective profile.
func (t *ToolRoutes) listTools(w http.ResponseWriter, r *http.Request) {
	descriptors, err := t.pipeline.ListTools(r.Context(), sessionToken(r), clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}

	tools := make([]toolDescriptor, 0, len(descriptors))
	for _, descriptor := range descriptors {
		tools = append(tools, toolDescriptor{
			Name:        descriptor.Name,
			Description: descriptor.Description,
			InputSchema: descriptor.InputSchema,
			Metadata:    toolMetadata{MCPServer: descriptor.ServerName},
		})
	}
	writeJSON(w, http.StatusOK, listToolsResponse{
		Tools:      tools,
		APIVersion: APIVersion,
		Timestamp:  nowUTC(),
	})
}

type invokeRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

type invokeResponse struct {
	Result    *mcp.CallToolResult `json:"result"`
	RequestID string              `json:"request_id"`
	Timestamp time.Time           `json:"timestamp"`
	Metadata  map[string]any      `json:"metadata,omitempty"`
}

// invokeTool runs one tool call through the AAA pipeline.
func (t *ToolRoutes) invokeTool(w http.ResponseWriter, r *http.Request) {
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "validation", "message": "expected application/json"})
		return
	}

	var req invokeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := t.pipeline.Invoke(r.Context(), &pipeline.InvokeRequest{
		SessionToken: sessionToken(r),
		ToolName:     req.Tool,
		Arguments:    req.Arguments,
		SourceIP:     clientIP(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, invokeResponse{
		Result:    result,
		RequestID: uuid.New().String(),
		Timestamp: nowUTC(),
	})
}
