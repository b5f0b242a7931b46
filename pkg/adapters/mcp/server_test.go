package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aretw0/blockq"
	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/projection"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) (*blockq.Document, *Server) {
	t.Helper()
	doc, err := blockq.New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = doc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	_, err = doc.AddInputBlock(context.Background(), "b1", domain.InputTypeText, "x", "hello")
	require.NoError(t, err)
	return doc, NewServer(doc, nil)
}

func TestToolsAreListed(t *testing.T) {
	_, s := newServer(t)

	resp := s.mcpServer.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	out, err := json.Marshal(resp)
	require.NoError(t, err)
	for _, name := range []string{"edit_field", "confirm_field", "enqueue_execution", "cancel_execution", "get_executions"} {
		assert.Contains(t, string(out), `"`+name+`"`)
	}
}

func TestEditAndConfirm(t *testing.T) {
	doc, s := newServer(t)
	ctx := context.Background()
	req := mcp.CallToolRequest{}

	res, err := s.handleEditField(ctx, req, map[string]any{"block_id": "b1", "field": "variable", "value": "1x"})
	require.NoError(t, err)
	assert.Equal(t, domain.ErrorInvalidVariableName, res.Attribute.Error)
	assert.Equal(t, projection.AffordanceError, res.View.Affordance)

	conf, err := s.handleConfirmField(ctx, req, map[string]any{"block_id": "b1", "field": "variable"})
	require.NoError(t, err)
	assert.False(t, conf.Enqueued())

	_, err = s.handleEditField(ctx, req, map[string]any{"block_id": "b1", "field": "variable", "value": " x1 "})
	require.NoError(t, err)
	conf, err = s.handleConfirmField(ctx, req, map[string]any{"block_id": "b1", "field": "variable"})
	require.NoError(t, err)
	require.True(t, conf.Enqueued())
	assert.Equal(t, "x1", conf.Item.Payload)

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, doc.Queue().WaitIdle(wctx, "b1", domain.TagRenameVariable))

	got, err := s.handleGetExecutions(ctx, req, map[string]any{"block_id": "b1", "tag": string(domain.TagRenameVariable)})
	require.NoError(t, err)
	assert.False(t, got.Busy)
	require.Len(t, got.Items, 1)
	assert.Equal(t, domain.OutcomeSucceeded, got.Items[0].Outcome)
}

func TestConfirmRetryFlag(t *testing.T) {
	_, s := newServer(t)
	ctx := context.Background()

	conf, err := s.handleConfirmField(ctx, mcp.CallToolRequest{}, map[string]any{"block_id": "b1", "field": "value"})
	require.NoError(t, err)
	assert.False(t, conf.Enqueued())

	conf, err = s.handleConfirmField(ctx, mcp.CallToolRequest{}, map[string]any{"block_id": "b1", "field": "value", "retry": "true"})
	require.NoError(t, err)
	assert.True(t, conf.Enqueued())
}

func TestEnqueueAndCancel(t *testing.T) {
	_, s := newServer(t)
	ctx := context.Background()
	args := map[string]any{"block_id": "b1", "tag": string(domain.TagSaveValue), "requester_id": "agent"}

	item, err := s.handleEnqueue(ctx, mcp.CallToolRequest{}, args)
	require.NoError(t, err)
	assert.Equal(t, "agent", item.RequesterID)
	assert.Equal(t, "hello", item.Payload)

	res, err := s.handleCancel(ctx, mcp.CallToolRequest{}, args)
	require.NoError(t, err)
	require.NotEmpty(t, res.Items)
}

func TestArgumentErrors(t *testing.T) {
	_, s := newServer(t)
	ctx := context.Background()

	_, err := s.handleEditField(ctx, mcp.CallToolRequest{}, map[string]any{"block_id": "b1", "field": "color", "value": "x"})
	assert.Error(t, err)

	_, err = s.handleEditField(ctx, mcp.CallToolRequest{}, map[string]any{"block_id": "nope", "field": "value", "value": "x"})
	assert.ErrorIs(t, err, domain.ErrBlockNotFound)

	_, err = s.handleEnqueue(ctx, mcp.CallToolRequest{}, map[string]any{"block_id": "b1", "tag": "paint"})
	assert.ErrorIs(t, err, domain.ErrUnknownTag)

	_, err = s.handleGetExecutions(ctx, mcp.CallToolRequest{}, map[string]any{"block_id": []int{1}, "tag": "paint"})
	assert.Error(t, err)
}

func TestBlocksResource(t *testing.T) {
	_, s := newServer(t)

	resp := s.mcpServer.HandleMessage(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"`+BlocksURI+`"}}`))
	out, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(out), `\"id\":\"b1\"`)
}
