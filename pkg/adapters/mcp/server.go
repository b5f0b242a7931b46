package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/blockq"
	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/editor"
	"github.com/aretw0/blockq/pkg/projection"
	"github.com/aretw0/blockq/pkg/queue"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/mitchellh/mapstructure"
)

// BlocksURI is the resource listing the document's blocks.
const BlocksURI = "blockq://blocks"

// FieldResult pairs a field's attribute with its presentation state.
type FieldResult struct {
	Attribute domain.Attribute[string] `json:"attribute" jsonschema_description:"Confirmed value, pending candidate and error of the field"`
	View      projection.FieldView     `json:"view" jsonschema_description:"How the field should be presented"`
}

// ExecutionsResult is the execution history of a block and tag, most recent first.
type ExecutionsResult struct {
	Busy  bool                           `json:"busy" jsonschema_description:"Whether an execution is enqueued, running or aborting"`
	Items []domain.ExecutionItem[string] `json:"items" jsonschema_description:"Execution items, most recent first"`
}

type fieldArgs struct {
	BlockID string `mapstructure:"block_id"`
	Field   string `mapstructure:"field"`
	Value   string `mapstructure:"value"`
	Retry   bool   `mapstructure:"retry"`
}

type executionArgs struct {
	BlockID     string `mapstructure:"block_id"`
	Tag         string `mapstructure:"tag"`
	RequesterID string `mapstructure:"requester_id"`
}

// Server exposes a Document as an MCP Server.
type Server struct {
	doc       *blockq.Document
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a new MCP Server instance.
func NewServer(doc *blockq.Document, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		doc:    doc,
		logger: logger,
		mcpServer: server.NewMCPServer("blockq-mcp", strings.TrimSpace(blockq.Version),
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves the MCP protocol over SSE on addr until ctx is done.
func (s *Server) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP Server listening (SSE)", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func (s *Server) registerTools() {
	fieldEnum := mcp.Enum(string(editor.FieldVariable), string(editor.FieldValue))
	tagEnum := mcp.Enum(string(domain.TagRenameVariable), string(domain.TagSaveValue))

	s.mcpServer.AddTool(mcp.NewTool("edit_field",
		mcp.WithDescription("Record a candidate for a block field and validate it. Nothing is executed until the field is confirmed."),
		mcp.WithString("block_id", mcp.Required(), mcp.Description("Block ID")),
		mcp.WithString("field", mcp.Required(), fieldEnum, mcp.Description("Field to edit")),
		mcp.WithString("value", mcp.Required(), mcp.Description("Candidate value")),
		mcp.WithOutputSchema[FieldResult](),
	), mcp.NewStructuredToolHandler(s.handleEditField))

	s.mcpServer.AddTool(mcp.NewTool("confirm_field",
		mcp.WithDescription("Confirm a block field: enqueue its candidate unless it is invalid or unchanged. With retry, enqueue even when unchanged."),
		mcp.WithString("block_id", mcp.Required(), mcp.Description("Block ID")),
		mcp.WithString("field", mcp.Required(), fieldEnum, mcp.Description("Field to confirm")),
		mcp.WithBoolean("retry", mcp.Description("Enqueue even when the candidate equals the confirmed value")),
		mcp.WithOutputSchema[editor.Confirmation](),
	), mcp.NewStructuredToolHandler(s.handleConfirmField))

	s.mcpServer.AddTool(mcp.NewTool("enqueue_execution",
		mcp.WithDescription("Schedule a tagged execution of a block with the attribute's current candidate."),
		mcp.WithString("block_id", mcp.Required(), mcp.Description("Block ID")),
		mcp.WithString("tag", mcp.Required(), tagEnum, mcp.Description("Execution tag")),
		mcp.WithString("requester_id", mcp.Description("Identity recorded on the execution (default: mcp)")),
		mcp.WithOutputSchema[domain.ExecutionItem[string]](),
	), mcp.NewStructuredToolHandler(s.handleEnqueue))

	s.mcpServer.AddTool(mcp.NewTool("cancel_execution",
		mcp.WithDescription("Cancel the enqueued or running execution of a block and tag."),
		mcp.WithString("block_id", mcp.Required(), mcp.Description("Block ID")),
		mcp.WithString("tag", mcp.Required(), tagEnum, mcp.Description("Execution tag")),
		mcp.WithOutputSchema[ExecutionsResult](),
	), mcp.NewStructuredToolHandler(s.handleCancel))

	s.mcpServer.AddTool(mcp.NewTool("get_executions",
		mcp.WithDescription("List the execution history of a block and tag, most recent first."),
		mcp.WithString("block_id", mcp.Required(), mcp.Description("Block ID")),
		mcp.WithString("tag", mcp.Required(), tagEnum, mcp.Description("Execution tag")),
		mcp.WithOutputSchema[ExecutionsResult](),
	), mcp.NewStructuredToolHandler(s.handleGetExecutions))
}

func (s *Server) handleEditField(ctx context.Context, request mcp.CallToolRequest, args map[string]any) (FieldResult, error) {
	in, err := decodeArgs[fieldArgs](args)
	if err != nil {
		return FieldResult{}, err
	}
	ib, field, err := s.field(in)
	if err != nil {
		return FieldResult{}, err
	}

	attr, err := ib.Edit(ctx, field, in.Value)
	if err != nil {
		return FieldResult{}, fmt.Errorf("edit failed: %w", err)
	}
	view, err := s.doc.Field(ctx, ib.Block().ID, field)
	if err != nil {
		return FieldResult{}, fmt.Errorf("edit failed: %w", err)
	}
	return FieldResult{Attribute: attr, View: view}, nil
}

func (s *Server) handleConfirmField(ctx context.Context, request mcp.CallToolRequest, args map[string]any) (editor.Confirmation, error) {
	in, err := decodeArgs[fieldArgs](args)
	if err != nil {
		return editor.Confirmation{}, err
	}
	ib, field, err := s.field(in)
	if err != nil {
		return editor.Confirmation{}, err
	}

	confirm := ib.Confirm
	if in.Retry {
		confirm = ib.Retry
	}
	conf, err := confirm(ctx, field)
	if err != nil {
		return editor.Confirmation{}, fmt.Errorf("confirm failed: %w", err)
	}
	s.logger.Debug("MCP confirm", "block", in.BlockID, "field", field, "enqueued", conf.Enqueued())
	return conf, nil
}

func (s *Server) handleEnqueue(ctx context.Context, request mcp.CallToolRequest, args map[string]any) (domain.ExecutionItem[string], error) {
	in, err := decodeArgs[executionArgs](args)
	if err != nil {
		return domain.ExecutionItem[string]{}, err
	}
	id, tag, err := s.key(in)
	if err != nil {
		return domain.ExecutionItem[string]{}, err
	}
	if in.RequesterID == "" {
		in.RequesterID = "mcp"
	}

	item, err := s.doc.Queue().Enqueue(ctx, queue.EnqueueRequest{
		BlockID:     id,
		Tag:         tag,
		RequesterID: in.RequesterID,
		Epoch:       s.doc.Epoch(),
	})
	if err != nil {
		return domain.ExecutionItem[string]{}, fmt.Errorf("enqueue failed: %w", err)
	}
	return item, nil
}

func (s *Server) handleCancel(ctx context.Context, request mcp.CallToolRequest, args map[string]any) (ExecutionsResult, error) {
	in, err := decodeArgs[executionArgs](args)
	if err != nil {
		return ExecutionsResult{}, err
	}
	id, tag, err := s.key(in)
	if err != nil {
		return ExecutionsResult{}, err
	}
	if err := s.doc.Queue().Cancel(ctx, id, tag); err != nil {
		return ExecutionsResult{}, fmt.Errorf("cancel failed: %w", err)
	}
	return s.executions(id, tag), nil
}

func (s *Server) handleGetExecutions(ctx context.Context, request mcp.CallToolRequest, args map[string]any) (ExecutionsResult, error) {
	in, err := decodeArgs[executionArgs](args)
	if err != nil {
		return ExecutionsResult{}, err
	}
	id, tag, err := s.key(in)
	if err != nil {
		return ExecutionsResult{}, err
	}
	return s.executions(id, tag), nil
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(BlocksURI, "Document blocks",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jsonBytes, err := json.Marshal(s.doc.Blocks())
		if err != nil {
			return nil, fmt.Errorf("failed to encode blocks: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      BlocksURI,
				MIMEType: "application/json",
				Text:     string(jsonBytes),
			},
		}, nil
	})
}

// -- Helpers --

func decodeArgs[V any](args map[string]any) (V, error) {
	var v V
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &v,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return v, err
	}
	if err := dec.Decode(args); err != nil {
		return v, fmt.Errorf("invalid arguments: %w", err)
	}
	return v, nil
}

func (s *Server) field(in fieldArgs) (*editor.InputBlock, editor.Field, error) {
	field, err := editor.ParseField(in.Field)
	if err != nil {
		return nil, "", err
	}
	ib, err := s.doc.Block(domain.BlockID(in.BlockID))
	if err != nil {
		return nil, "", err
	}
	return ib, field, nil
}

func (s *Server) key(in executionArgs) (domain.BlockID, domain.ExecutionTag, error) {
	tag := domain.ExecutionTag(in.Tag)
	if _, ok := domain.LookupTag(tag); !ok {
		return "", "", fmt.Errorf("tag %q: %w", in.Tag, domain.ErrUnknownTag)
	}
	id := domain.BlockID(in.BlockID)
	if _, err := s.doc.Block(id); err != nil {
		return "", "", err
	}
	return id, tag, nil
}

func (s *Server) executions(id domain.BlockID, tag domain.ExecutionTag) ExecutionsResult {
	q := s.doc.Queue()
	items := q.Executions(id, tag)
	if items == nil {
		items = []domain.ExecutionItem[string]{}
	}
	return ExecutionsResult{Busy: q.Busy(id, tag), Items: items}
}
