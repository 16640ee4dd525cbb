// Package mcpserver exposes training sessions as Model Context Protocol tools so an
// assistant client can drive a conversation with a simulated patient.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/okian/patientsim/internal/domain/evaluation"
	"github.com/okian/patientsim/internal/domain/types"
	"github.com/okian/patientsim/internal/orchestrator"
)

// Engine is the part of the session engine the tools call.
type Engine interface {
	ListCases() []types.CaseSummary
	StartSession(ctx context.Context, caseID string) (orchestrator.Started, error)
	SubmitUtterance(ctx context.Context, sessionID, text string) (orchestrator.TurnResult, error)
	EndSession(ctx context.Context, sessionID string) (evaluation.Report, error)
	Transcript(ctx context.Context, sessionID string) (string, error)
}

// NewServer registers the session tools on a fresh MCP server.
func NewServer(engine Engine, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "patientsim-mcp",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_cases",
		Description: "List the simulated patient cases available for practice.",
	}, listCasesHandler(engine))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "start_session",
		Description: "Start a practice interview with the patient of the given case. Returns the session id.",
	}, startHandler(engine))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "submit_utterance",
		Description: "Say something to the patient and receive the reply, plus a risk banner when a safety rule fired.",
	}, utteranceHandler(engine))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "end_session",
		Description: "End the interview and return its evaluation report.",
	}, endHandler(engine))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_transcript",
		Description: "Return the speaker-labelled transcript of a session.",
	}, transcriptHandler(engine))

	return server
}

type listCasesInput struct{}

type startInput struct {
	CaseID string `json:"case_id" jsonschema:"Case identifier, see list_cases"`
}

type utteranceInput struct {
	SessionID string `json:"session_id" jsonschema:"Session returned by start_session"`
	Text      string `json:"text"       jsonschema:"What the trainee says to the patient"`
}

type sessionInput struct {
	SessionID string `json:"session_id" jsonschema:"Session returned by start_session"`
}

func listCasesHandler(e Engine) func(context.Context, *mcp.CallToolRequest, listCasesInput) (*mcp.CallToolResult, any, error) {
	return func(context.Context, *mcp.CallToolRequest, listCasesInput) (*mcp.CallToolResult, any, error) {
		return textResult(jsonString(e.ListCases())), nil, nil
	}
}

func startHandler(e Engine) func(context.Context, *mcp.CallToolRequest, startInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in startInput) (*mcp.CallToolResult, any, error) {
		started, err := e.StartSession(ctx, in.CaseID)
		if err != nil {
			return errorResult(err), nil, nil
		}
		return textResult(jsonString(started)), nil, nil
	}
}

func utteranceHandler(e Engine) func(context.Context, *mcp.CallToolRequest, utteranceInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in utteranceInput) (*mcp.CallToolResult, any, error) {
		res, err := e.SubmitUtterance(ctx, in.SessionID, in.Text)
		if err != nil {
			return errorResult(err), nil, nil
		}
		return textResult(jsonString(res)), nil, nil
	}
}

func endHandler(e Engine) func(context.Context, *mcp.CallToolRequest, sessionInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in sessionInput) (*mcp.CallToolResult, any, error) {
		report, err := e.EndSession(ctx, in.SessionID)
		if err != nil {
			return errorResult(err), nil, nil
		}
		return textResult(jsonString(report)), nil, nil
	}
}

func transcriptHandler(e Engine) func(context.Context, *mcp.CallToolRequest, sessionInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in sessionInput) (*mcp.CallToolResult, any, error) {
		text, err := e.Transcript(ctx, in.SessionID)
		if err != nil {
			return errorResult(err), nil, nil
		}
		return textResult(text), nil, nil
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// errorResult reports a tool failure to the client. A model outage carries
// only the generic retry text.
func errorResult(err error) *mcp.CallToolResult {
	msg := fmt.Sprintf("error: %v", err)
	if errors.Is(err, orchestrator.ErrModelUnavailable) {
		msg = "error: the patient could not respond just now, please try again"
	}
	res := textResult(msg)
	res.IsError = true
	return res
}

func jsonString(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": "marshal: %v"}`, err)
	}
	return string(data)
}
