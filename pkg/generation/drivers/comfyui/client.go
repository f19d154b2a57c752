package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/imagegen/orchestrator/pkg/generation"
	"github.com/imagegen/orchestrator/pkg/logging"
)

// Client speaks the worker's HTTP API. It is shared with the remote driver,
// which uses the same wire surface without process management.
type Client struct {
	base  string
	token string
	http  *http.Client
	log   logging.Logger
}

// NewClient creates a client for the worker at base (e.g.
// "http://127.0.0.1:7821"). token, when non-empty, is sent as a bearer token.
func NewClient(base, token string, log logging.Logger) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 0},
		log:   log,
	}
}

func (c *Client) do(ctx context.Context, method, p string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("unable to encode %s request: %w", p, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+p, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		// The worker is explicitly refusing work; let the scheduler retry the
		// request elsewhere.
		io.Copy(io.Discard, resp.Body)
		return generation.ErrPleaseRedirect
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("worker returned %s for %s: %s",
			resp.Status, p, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Ready pings the worker's stats endpoint.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/system_stats", nil, nil)
}

// Catalog fetches the worker's node metadata and extracts the model lists it
// exposes through its loader nodes.
func (c *Client) Catalog(ctx context.Context) (generation.ModelCatalog, error) {
	var info map[string]json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/object_info", nil, &info); err != nil {
		return nil, err
	}
	catalog := make(generation.ModelCatalog)
	loaders := map[string]struct{ field, category string }{
		"CheckpointLoaderSimple": {"ckpt_name", generation.CategoryMain},
		"VAELoader":              {"vae_name", generation.CategoryVAE},
		"LoraLoader":             {"lora_name", generation.CategoryLoRA},
		"ControlNetLoader":       {"control_net_name", generation.CategoryControlNet},
	}
	for node, loader := range loaders {
		raw, ok := info[node]
		if !ok {
			continue
		}
		names := loaderOptions(raw, loader.field)
		if len(names) > 0 {
			catalog[loader.category] = names
		}
	}
	return catalog, nil
}

// loaderOptions digs the option list out of one node's input schema:
// node.input.required.<field>[0] is a JSON array of permitted names.
func loaderOptions(raw json.RawMessage, field string) []string {
	var node struct {
		Input struct {
			Required map[string][]json.RawMessage `json:"required"`
		} `json:"input"`
	}
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil
	}
	spec, ok := node.Input.Required[field]
	if !ok || len(spec) == 0 {
		return nil
	}
	var names []string
	if err := json.Unmarshal(spec[0], &names); err != nil {
		return nil
	}
	return names
}

// SubmitPrompt queues a workflow graph and returns the worker's prompt id.
func (c *Client) SubmitPrompt(ctx context.Context, clientID string, graph map[string]interface{}) (string, error) {
	var resp struct {
		PromptID string `json:"prompt_id"`
	}
	req := map[string]interface{}{
		"prompt":    graph,
		"client_id": clientID,
	}
	if err := c.do(ctx, http.MethodPost, "/prompt", req, &resp); err != nil {
		return "", err
	}
	if resp.PromptID == "" {
		return "", fmt.Errorf("worker accepted the prompt but returned no id")
	}
	return resp.PromptID, nil
}

// imageRef locates one output image on the worker.
type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// historyOutcome is the parsed terminal state of one submitted prompt.
type historyOutcome struct {
	images  []imageRef
	failed  bool
	message string
}

// History looks the prompt up in the worker's history. done is false while the
// prompt is still queued or executing.
func (c *Client) History(ctx context.Context, promptID string) (outcome historyOutcome, done bool, err error) {
	var entries map[string]struct {
		Status struct {
			Completed bool   `json:"completed"`
			StatusStr string `json:"status_str"`
		} `json:"status"`
		Outputs map[string]struct {
			Images []imageRef `json:"images"`
		} `json:"outputs"`
	}
	if err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), nil, &entries); err != nil {
		return historyOutcome{}, false, err
	}
	entry, ok := entries[promptID]
	if !ok {
		return historyOutcome{}, false, nil
	}
	if !entry.Status.Completed && entry.Status.StatusStr != "error" {
		return historyOutcome{}, false, nil
	}
	if entry.Status.StatusStr == "error" {
		return historyOutcome{failed: true, message: "worker reported execution error"}, true, nil
	}
	for _, output := range entry.Outputs {
		outcome.images = append(outcome.images, output.Images...)
	}
	return outcome, true, nil
}

// QueueDepth returns the number of prompts running or pending on the worker.
func (c *Client) QueueDepth(ctx context.Context) (int, error) {
	var queue struct {
		Running []json.RawMessage `json:"queue_running"`
		Pending []json.RawMessage `json:"queue_pending"`
	}
	if err := c.do(ctx, http.MethodGet, "/queue", nil, &queue); err != nil {
		return 0, err
	}
	return len(queue.Running) + len(queue.Pending), nil
}

// FetchImage downloads one output image.
func (c *Client) FetchImage(ctx context.Context, ref imageRef) ([]byte, error) {
	query := url.Values{}
	query.Set("filename", ref.Filename)
	query.Set("subfolder", ref.Subfolder)
	query.Set("type", ref.Type)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/view?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("worker returned %s fetching image %s", resp.Status, ref.Filename)
	}
	return io.ReadAll(resp.Body)
}

// Interrupt asks the worker to abort its current execution.
func (c *Client) Interrupt(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/interrupt", nil, nil)
}

// LoadModel makes a checkpoint resident by submitting the minimal
// checkpoint-load workflow and waiting for it to complete.
func (c *Client) LoadModel(ctx context.Context, model string) error {
	promptID, err := c.SubmitPrompt(ctx, "model-load", loadGraph(model))
	if err != nil {
		return fmt.Errorf("unable to submit model load: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(historyPollInterval):
		}
		outcome, done, err := c.History(ctx, promptID)
		if err != nil {
			return err
		}
		if !done {
			continue
		}
		if outcome.failed {
			return fmt.Errorf("worker failed to load model %q: %s", model, outcome.message)
		}
		return nil
	}
}

// Generate translates the input into a workflow and streams its outcome.
func (c *Client) Generate(ctx context.Context, input *generation.Input, batchID string, onEvent func(generation.Event)) error {
	model, err := modelFor(input)
	if err != nil {
		return err
	}
	return c.RunGeneration(ctx, buildGraph(input, model), batchID, onEvent)
}

// RunGeneration submits a workflow and streams its outcome: coarse progress
// while the prompt waits in the worker's queue, then one ImageEvent per
// produced image.
func (c *Client) RunGeneration(ctx context.Context, graph map[string]interface{}, batchID string, onEvent func(generation.Event)) error {
	promptID, err := c.SubmitPrompt(ctx, batchID, graph)
	if err != nil {
		return err
	}

	total := 0
	for {
		select {
		case <-ctx.Done():
			// Best effort: stop the worker before abandoning the prompt.
			interruptCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			c.Interrupt(interruptCtx)
			cancel()
			return ctx.Err()
		case <-time.After(historyPollInterval):
		}

		outcome, done, err := c.History(ctx, promptID)
		if err != nil {
			return err
		}
		if !done {
			if depth, err := c.QueueDepth(ctx); err == nil {
				if depth > total {
					total = depth
				}
				overall := 0.0
				if total > 0 {
					overall = float64(total-depth) / float64(total)
				}
				onEvent(generation.ProgressEvent{BatchID: batchID, Overall: overall})
			}
			continue
		}
		if outcome.failed {
			return fmt.Errorf("generation failed on worker: %s", outcome.message)
		}
		for _, ref := range outcome.images {
			data, err := c.FetchImage(ctx, ref)
			if err != nil {
				return fmt.Errorf("unable to fetch output image: %w", err)
			}
			onEvent(generation.ImageEvent{
				BatchID: batchID,
				Data:    data,
				Format:  imageFormat(ref.Filename),
				Metadata: map[string]string{
					"filename":  ref.Filename,
					"subfolder": ref.Subfolder,
				},
			})
		}
		onEvent(generation.ProgressEvent{BatchID: batchID, Overall: 1, Current: 1})
		return nil
	}
}

func imageFormat(filename string) string {
	ext := strings.TrimPrefix(path.Ext(filename), ".")
	if ext == "" {
		return "png"
	}
	return strings.ToLower(ext)
}
