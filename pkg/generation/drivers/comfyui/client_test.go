package comfyui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagegen/orchestrator/pkg/generation"
	"github.com/imagegen/orchestrator/pkg/logging"
)

// fakeWorker is a minimal in-process stand-in for the worker's HTTP API.
type fakeWorker struct {
	mu        sync.Mutex
	prompts   map[string]map[string]interface{}
	completed map[string][]imageRef
	nextID    int
	busy      bool
	authToken string
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		prompts:   make(map[string]map[string]interface{}),
		completed: make(map[string][]imageRef),
	}
}

func (f *fakeWorker) complete(promptID string, images ...imageRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[promptID] = images
}

func (f *fakeWorker) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /system_stats", func(w http.ResponseWriter, r *http.Request) {
		if f.authToken != "" && r.Header.Get("Authorization") != "Bearer "+f.authToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"system": map[string]string{"os": "linux"}})
	})
	mux.HandleFunc("GET /object_info", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"CheckpointLoaderSimple": map[string]interface{}{
				"input": map[string]interface{}{
					"required": map[string]interface{}{
						"ckpt_name": []interface{}{[]string{"alpha.safetensors", "beta.safetensors"}},
					},
				},
			},
			"VAELoader": map[string]interface{}{
				"input": map[string]interface{}{
					"required": map[string]interface{}{
						"vae_name": []interface{}{[]string{"vae-ft.safetensors"}},
					},
				},
			},
		})
	})
	mux.HandleFunc("POST /prompt", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.busy {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		var req struct {
			Prompt   map[string]interface{} `json:"prompt"`
			ClientID string                 `json:"client_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		f.nextID++
		id := "prompt-" + string(rune('0'+f.nextID))
		f.prompts[id] = req.Prompt
		json.NewEncoder(w).Encode(map[string]string{"prompt_id": id})
	})
	mux.HandleFunc("GET /history/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id := r.PathValue("id")
		images, done := f.completed[id]
		if !done {
			json.NewEncoder(w).Encode(map[string]interface{}{})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			id: map[string]interface{}{
				"status":  map[string]interface{}{"completed": true, "status_str": "success"},
				"outputs": map[string]interface{}{"9": map[string]interface{}{"images": images}},
			},
		})
	})
	mux.HandleFunc("GET /queue", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"queue_running": []interface{}{},
			"queue_pending": []interface{}{},
		})
	})
	mux.HandleFunc("GET /view", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("image-bytes:" + r.URL.Query().Get("filename")))
	})
	mux.HandleFunc("POST /interrupt", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newTestClient(t *testing.T, worker *fakeWorker, token string) *Client {
	t.Helper()
	server := httptest.NewServer(worker.handler())
	t.Cleanup(server.Close)
	return NewClient(server.URL, token, logging.NewNopLogger())
}

func TestClientReady(t *testing.T) {
	client := newTestClient(t, newFakeWorker(), "")
	require.NoError(t, client.Ready(context.Background()))
}

func TestClientReadyWithAuthToken(t *testing.T) {
	worker := newFakeWorker()
	worker.authToken = "secret"

	authorized := newTestClient(t, worker, "secret")
	require.NoError(t, authorized.Ready(context.Background()))

	unauthorized := newTestClient(t, worker, "wrong")
	require.Error(t, unauthorized.Ready(context.Background()))
}

func TestClientCatalog(t *testing.T) {
	client := newTestClient(t, newFakeWorker(), "")
	catalog, err := client.Catalog(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha.safetensors", "beta.safetensors"},
		catalog[generation.CategoryMain])
	assert.Equal(t, []string{"vae-ft.safetensors"}, catalog[generation.CategoryVAE])
	assert.Empty(t, catalog[generation.CategoryLoRA])
}

func TestClientSubmitPrompt(t *testing.T) {
	worker := newFakeWorker()
	client := newTestClient(t, worker, "")

	id, err := client.SubmitPrompt(context.Background(), "batch-1", loadGraph("alpha.safetensors"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	worker.mu.Lock()
	_, stored := worker.prompts[id]
	worker.mu.Unlock()
	assert.True(t, stored)
}

func TestClientBusyWorkerAsksForRedirect(t *testing.T) {
	worker := newFakeWorker()
	worker.busy = true
	client := newTestClient(t, worker, "")

	_, err := client.SubmitPrompt(context.Background(), "batch-1", loadGraph("alpha.safetensors"))
	require.ErrorIs(t, err, generation.ErrPleaseRedirect)
}

func TestClientHistoryLifecycle(t *testing.T) {
	worker := newFakeWorker()
	client := newTestClient(t, worker, "")

	id, err := client.SubmitPrompt(context.Background(), "batch-1", loadGraph("alpha.safetensors"))
	require.NoError(t, err)

	_, done, err := client.History(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, done)

	worker.complete(id, imageRef{Filename: "out.png", Type: "output"})
	outcome, done, err := client.History(context.Background(), id)
	require.NoError(t, err)
	require.True(t, done)
	require.Len(t, outcome.images, 1)
	assert.Equal(t, "out.png", outcome.images[0].Filename)
}

func TestClientRunGenerationStreamsImages(t *testing.T) {
	worker := newFakeWorker()
	client := newTestClient(t, worker, "")

	// Complete the prompt as soon as it lands.
	go func() {
		for {
			worker.mu.Lock()
			finished := false
			for id := range worker.prompts {
				if _, done := worker.completed[id]; !done {
					worker.completed[id] = []imageRef{
						{Filename: "a.png", Type: "output"},
						{Filename: "b.png", Type: "output"},
					}
					finished = true
				}
			}
			worker.mu.Unlock()
			if finished {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	input := &generation.Input{
		Prompt: "a cat",
		Extra:  map[string]interface{}{"model": "alpha.safetensors"},
	}
	var images []generation.ImageEvent
	err := client.Generate(context.Background(), input, "batch-9", func(ev generation.Event) {
		if img, ok := ev.(generation.ImageEvent); ok {
			images = append(images, img)
		}
	})
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "batch-9", images[0].BatchID)
	assert.Equal(t, []byte("image-bytes:a.png"), images[0].Data)
	assert.Equal(t, "png", images[0].Format)
	assert.Equal(t, "a.png", images[0].Metadata["filename"])
}

func TestClientLoadModel(t *testing.T) {
	worker := newFakeWorker()
	client := newTestClient(t, worker, "")

	done := make(chan error, 1)
	go func() {
		done <- client.LoadModel(context.Background(), "alpha.safetensors")
	}()

	// Complete the load prompt once it shows up.
	for {
		worker.mu.Lock()
		var pending string
		for id := range worker.prompts {
			if _, ok := worker.completed[id]; !ok {
				pending = id
			}
		}
		if pending != "" {
			worker.completed[pending] = []imageRef{}
			worker.mu.Unlock()
			break
		}
		worker.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, <-done)
}
