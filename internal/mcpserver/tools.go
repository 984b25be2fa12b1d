// Package mcpserver registers MCP tools that expose room history and
// uploads. It adapts the sync core to the MCP SDK's tool handler
// interface.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alexjbarnes/roomsync/internal/history"
	"github.com/alexjbarnes/roomsync/internal/models"
	"github.com/alexjbarnes/roomsync/internal/upload"
	"github.com/alexjbarnes/roomsync/matrix"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	defaultPageLimit = 30
	maxPageLimit     = 1000

	// maxUploadBytes caps decoded upload_file content.
	maxUploadBytes = 50 << 20
)

// Deps holds what the tools call into.
type Deps struct {
	History   *history.Retriever
	Uploads   *upload.Manager
	Client    *matrix.Client
	PageLimit int
}

// RegisterTools adds all room tools to the given MCP server.
func RegisterTools(server *mcp.Server, deps Deps) {
	if deps.PageLimit <= 0 {
		deps.PageLimit = defaultPageLimit
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "room_history",
		Description: "Fetch one page of room history, newest first. Served from the local cache when possible. Pass the returned end token as from to page further back.",
	}, historyHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "upload_file",
		Description: "Upload base64 content to the media repository. By default waits for the upload to finish and returns its mxc:// content URI. Uploads interrupted by network loss resume automatically.",
	}, uploadHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "upload_status",
		Description: "List uploads still in progress with their state and percentage, or look up one upload by ID.",
	}, statusHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "content_url",
		Description: "Resolve an mxc:// content URI to an HTTP download URL, and a thumbnail URL when width and height are given.",
	}, contentURLHandler(deps))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// HistoryInput holds parameters for room_history.
type HistoryInput struct {
	RoomID string `json:"room_id" jsonschema:"required,room ID such as !abc:example.org"`
	From   string `json:"from,omitempty" jsonschema:"pagination token to continue from, empty for the latest messages"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of events, defaults to 30"`
}

// UploadInput holds parameters for upload_file.
type UploadInput struct {
	Filename      string `json:"filename" jsonschema:"required,file name sent to the server"`
	ContentBase64 string `json:"content_base64" jsonschema:"required,file content, standard base64"`
	MimeType      string `json:"mime_type,omitempty" jsonschema:"content type, defaults to application/octet-stream"`
	UploadID      string `json:"upload_id,omitempty" jsonschema:"caller-chosen upload ID, generated when empty"`
	Wait          *bool  `json:"wait,omitempty" jsonschema:"wait for the upload to finish, defaults to true"`
}

// StatusInput holds parameters for upload_status.
type StatusInput struct {
	UploadID string `json:"upload_id,omitempty" jsonschema:"upload ID to look up, empty lists all"`
}

// ContentURLInput holds parameters for content_url.
type ContentURLInput struct {
	URI    string `json:"uri" jsonschema:"required,mxc:// content URI"`
	Width  int    `json:"width,omitempty" jsonschema:"thumbnail width in pixels"`
	Height int    `json:"height,omitempty" jsonschema:"thumbnail height in pixels"`
	Method string `json:"method,omitempty" jsonschema:"thumbnail resize method, crop or scale"`
}

// --- Result types ---

// EventResult is one event as returned by room_history.
type EventResult struct {
	EventID        string         `json:"event_id,omitempty"`
	Type           string         `json:"type"`
	Sender         string         `json:"sender,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
	OriginServerTS int64          `json:"origin_server_ts,omitempty"`
	Content        map[string]any `json:"content,omitempty"`
}

// HistoryResult is returned by room_history.
type HistoryResult struct {
	RoomID string        `json:"room_id"`
	From   string        `json:"from,omitempty"`
	End    string        `json:"end,omitempty"`
	Events []EventResult `json:"events"`
}

// UploadResult is returned by upload_file.
type UploadResult struct {
	UploadID     string `json:"upload_id"`
	Done         bool   `json:"done"`
	ContentURI   string `json:"content_uri,omitempty"`
	ResponseCode int    `json:"response_code,omitempty"`
	Error        string `json:"error,omitempty"`
	Progress     int    `json:"progress,omitempty"`
}

// StatusResult is returned by upload_status.
type StatusResult struct {
	Uploads []upload.TaskInfo `json:"uploads"`
}

// ContentURLResult is returned by content_url.
type ContentURLResult struct {
	DownloadURL  string `json:"download_url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// --- Handlers ---

func historyHandler(deps Deps) mcp.ToolHandlerFor[HistoryInput, *HistoryResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input HistoryInput) (*mcp.CallToolResult, *HistoryResult, error) {
		if input.RoomID == "" {
			return nil, nil, fmt.Errorf("room_id is required")
		}

		limit := input.Limit
		if limit <= 0 {
			limit = deps.PageLimit
		}

		limit = min(limit, maxPageLimit)

		page, err := deps.History.History(ctx, input.RoomID, input.From, limit)
		if err != nil {
			return nil, nil, err
		}

		result := &HistoryResult{
			RoomID: input.RoomID,
			From:   input.From,
			End:    page.EndToken,
			Events: make([]EventResult, 0, len(page.Events)),
		}

		for _, ev := range page.Events {
			result.Events = append(result.Events, eventResult(ev))
		}

		return textResult(result), result, nil
	}
}

func eventResult(ev models.Event) EventResult {
	out := EventResult{
		EventID:        ev.ID,
		Type:           ev.Type,
		Sender:         ev.Sender,
		StateKey:       ev.StateKey,
		OriginServerTS: ev.OriginServerTS,
	}

	// Content that is not a JSON object is dropped.
	if len(ev.Content) > 0 {
		_ = json.Unmarshal(ev.Content, &out.Content)
	}

	return out
}

func uploadHandler(deps Deps) mcp.ToolHandlerFor[UploadInput, *UploadResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input UploadInput) (*mcp.CallToolResult, *UploadResult, error) {
		if strings.TrimSpace(input.Filename) == "" {
			return nil, nil, fmt.Errorf("filename is required")
		}

		if base64.StdEncoding.DecodedLen(len(input.ContentBase64)) > maxUploadBytes {
			return nil, nil, fmt.Errorf("content exceeds %d bytes", maxUploadBytes)
		}

		data, err := base64.StdEncoding.DecodeString(input.ContentBase64)
		if err != nil {
			return nil, nil, fmt.Errorf("decoding content_base64: %w", err)
		}

		mimeType := input.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		wait := input.Wait == nil || *input.Wait

		var done *completion
		if wait {
			done = newCompletion()
		}

		id, err := deps.Uploads.Upload(bytes.NewReader(data), input.Filename, mimeType, input.UploadID, callbackOrNil(done))
		if err != nil {
			return nil, nil, err
		}

		if !wait {
			result := &UploadResult{UploadID: id, Progress: max(deps.Uploads.Progress(id), 0)}
			return textResult(result), result, nil
		}

		select {
		case <-ctx.Done():
			// The upload keeps going; upload_status can follow it.
			return nil, nil, fmt.Errorf("waiting for upload %s: %w", id, ctx.Err())
		case outcome := <-done.ch:
			result := &UploadResult{
				UploadID:     id,
				Done:         true,
				ContentURI:   outcome.ContentURI,
				ResponseCode: outcome.ResponseCode,
				Error:        outcome.ErrorMessage,
			}

			return textResult(result), result, nil
		}
	}
}

func statusHandler(deps Deps) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		all := deps.Uploads.Snapshot()
		result := &StatusResult{Uploads: all}

		if input.UploadID != "" {
			result.Uploads = nil

			for _, info := range all {
				if info.UploadID == input.UploadID {
					result.Uploads = []upload.TaskInfo{info}
					break
				}
			}

			if result.Uploads == nil {
				return nil, nil, fmt.Errorf("upload %s not found or already finished", input.UploadID)
			}
		}

		return textResult(result), result, nil
	}
}

func contentURLHandler(deps Deps) mcp.ToolHandlerFor[ContentURLInput, *ContentURLResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ContentURLInput) (*mcp.CallToolResult, *ContentURLResult, error) {
		if _, err := matrix.ParseContentURI(input.URI); err != nil {
			return nil, nil, err
		}

		download, err := deps.Client.DownloadURL(input.URI)
		if err != nil {
			return nil, nil, err
		}

		result := &ContentURLResult{DownloadURL: download}

		if input.Width > 0 && input.Height > 0 {
			result.ThumbnailURL, err = deps.Client.ThumbnailURL(input.URI, input.Width, input.Height, input.Method)
			if err != nil {
				return nil, nil, err
			}
		}

		return textResult(result), result, nil
	}
}

// completion hands the terminal outcome of one upload to a waiting tool
// call.
type completion struct {
	ch chan models.UploadOutcome
}

func newCompletion() *completion {
	return &completion{ch: make(chan models.UploadOutcome, 1)}
}

func (c *completion) OnUploadStart(string)         {}
func (c *completion) OnUploadProgress(string, int) {}

func (c *completion) OnUploadComplete(_ string, outcome models.UploadOutcome) {
	select {
	case c.ch <- outcome:
	default:
	}
}

// callbackOrNil avoids handing the manager a typed nil interface.
func callbackOrNil(c *completion) upload.Callback {
	if c == nil {
		return nil
	}

	return c
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
