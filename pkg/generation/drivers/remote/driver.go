// Package remote drives an already-running worker over HTTP. It speaks the
// same wire protocol as the self-start driver but owns no process, so
// initialization is cheap and runs inline when the backend is added.
package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/imagegen/orchestrator/pkg/generation"
	"github.com/imagegen/orchestrator/pkg/generation/drivers/comfyui"
	"github.com/imagegen/orchestrator/pkg/logging"
)

// TypeID is the stable driver type identifier.
const TypeID = "comfyui_remote"

// Type returns the driver type descriptor.
func Type() *generation.Type {
	return &generation.Type{
		ID:          TypeID,
		Name:        "ComfyUI (remote)",
		CanLoadFast: true,
		SettingsSchema: []generation.SettingField{
			{Name: "address", Label: "Address", Kind: generation.SettingText, Default: "http://localhost:7821"},
			{Name: "auth_token", Label: "Auth Token", Kind: generation.SettingText},
			{Name: "max_usages", Label: "Concurrent Generations", Kind: generation.SettingInteger, Default: "1"},
			{Name: "allow_model_load", Label: "Allow Model Swaps", Kind: generation.SettingBool, Default: "true"},
		},
		Build: func(settings generation.Settings, log logging.Logger) generation.Driver {
			return &Driver{log: log, settings: settings}
		},
	}
}

// Driver talks to one remote worker endpoint.
type Driver struct {
	log      logging.Logger
	settings generation.Settings

	mu       sync.Mutex
	client   *comfyui.Client
	catalog  generation.ModelCatalog
	features []string
}

// Init implements generation.Driver.Init.
func (d *Driver) Init(ctx context.Context) error {
	address := strings.TrimSpace(d.settings.String("address", ""))
	if address == "" {
		return generation.NewRefusedInitError(fmt.Errorf("address is required"))
	}
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		return generation.NewRefusedInitError(
			fmt.Errorf("address %q must start with http:// or https://", address))
	}

	client := comfyui.NewClient(address, d.settings.String("auth_token", ""), d.log)
	if err := client.Ready(ctx); err != nil {
		return generation.NewTransientInitError(
			fmt.Errorf("worker at %s is not responding: %w", address, err))
	}
	catalog, err := client.Catalog(ctx)
	if err != nil {
		return generation.NewTransientInitError(
			fmt.Errorf("unable to fetch model catalog from %s: %w", address, err))
	}

	d.mu.Lock()
	d.client = client
	d.catalog = catalog
	d.features = []string{"text2image", "progress", "batching"}
	d.mu.Unlock()
	d.log.Infof("Remote worker at %s ready with %d main model(s)",
		address, len(catalog[generation.CategoryMain]))
	return nil
}

// ShutdownNow implements generation.Driver.ShutdownNow. The remote process is
// not ours to stop; only the connection state is dropped.
func (d *Driver) ShutdownNow() {
	d.mu.Lock()
	d.client = nil
	d.mu.Unlock()
}

// CanLoadModels implements generation.Driver.CanLoadModels.
func (d *Driver) CanLoadModels() bool {
	return d.settings.Bool("allow_model_load", true)
}

// MaxUsages implements generation.Driver.MaxUsages.
func (d *Driver) MaxUsages() int {
	return max(d.settings.Int("max_usages", 1), 1)
}

// Catalog implements generation.Driver.Catalog.
func (d *Driver) Catalog() generation.ModelCatalog {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.catalog
}

// Features implements generation.Driver.Features.
func (d *Driver) Features() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.features
}

func (d *Driver) activeClient() (*comfyui.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil, fmt.Errorf("worker is not initialized")
	}
	return d.client, nil
}

// LoadModel implements generation.Driver.LoadModel.
func (d *Driver) LoadModel(ctx context.Context, model string) error {
	if !d.CanLoadModels() {
		return fmt.Errorf("model swaps are disabled for this backend")
	}
	client, err := d.activeClient()
	if err != nil {
		return err
	}
	return client.LoadModel(ctx, model)
}

// GenerateLive implements generation.Driver.GenerateLive.
func (d *Driver) GenerateLive(ctx context.Context, input *generation.Input, batchID string, onEvent func(generation.Event)) error {
	client, err := d.activeClient()
	if err != nil {
		return err
	}
	return client.Generate(ctx, input, batchID, onEvent)
}
