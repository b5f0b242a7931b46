package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aretw0/blockq/internal/presentation/tui"
	"github.com/aretw0/blockq/pkg/projection"
)

// WatchOptions contains the configuration for the watch command.
type WatchOptions struct {
	Server  string
	BlockID string
	Field   string
	Plain   bool
	Out     io.Writer
	Client  *http.Client
}

// Watch follows a field of a running server and prints every view change until
// the stream ends or the process is interrupted.
func Watch(opts WatchOptions) error {
	sc := NewSignalContext(context.Background())
	defer sc.Cancel()

	err := watchField(sc, opts)
	if !opts.Plain {
		logCompletion(opts.Out, "Watch", sc.Signal())
	}
	return handleExecutionError(err)
}

func watchField(ctx context.Context, opts WatchOptions) error {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	endpoint, err := url.JoinPath(opts.Server, "blocks", opts.BlockID, "fields", opts.Field, "events")
	if err != nil {
		return fmt.Errorf("invalid server address: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", opts.Server, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("watch %s/%s: %s: %s", opts.BlockID, opts.Field, resp.Status, strings.TrimSpace(string(msg)))
	}

	render := tui.NewRenderer(opts.Plain)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok || !strings.HasPrefix(data, "{") {
			continue
		}
		var view projection.FieldView
		if err := json.Unmarshal([]byte(data), &view); err != nil {
			return fmt.Errorf("malformed event: %w", err)
		}
		out, err := render(tui.ViewMarkdown(view))
		if err != nil {
			return err
		}
		fmt.Fprint(opts.Out, out)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}
