// Package comfyui drives a self-started image generation worker process. The
// driver spawns the worker from a user-supplied start script, waits for its
// HTTP API to come up, and from then on speaks the worker's workflow protocol
// for model loads and streaming generations.
package comfyui

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	shellwords "github.com/mattn/go-shellwords"
	pkgerrors "github.com/pkg/errors"

	"github.com/imagegen/orchestrator/pkg/generation"
	"github.com/imagegen/orchestrator/pkg/logging"
	"github.com/imagegen/orchestrator/pkg/tailbuffer"
)

// TypeID is the stable driver type identifier.
const TypeID = "comfyui_selfstart"

const (
	readinessPingInterval = 500 * time.Millisecond
	readinessMaxPings     = 120
	historyPollInterval   = 250 * time.Millisecond
	shutdownWaitTimeout   = 10 * time.Second
	// tailCapacity bounds how much worker output is retained for diagnostics.
	tailCapacity = 4096
)

// Type returns the driver type descriptor. Register it with the generation
// type map at startup.
func Type() *generation.Type {
	return &generation.Type{
		ID:   TypeID,
		Name: "ComfyUI (self-start)",
		SettingsSchema: []generation.SettingField{
			{Name: "start_script", Label: "Start Script", Kind: generation.SettingText},
			{Name: "host", Label: "Host", Kind: generation.SettingText, Default: "127.0.0.1"},
			{Name: "port", Label: "Port", Kind: generation.SettingInteger, Default: "7821"},
			{Name: "extra_args", Label: "Extra Arguments", Kind: generation.SettingText},
			{Name: "gpu_id", Label: "GPU ID", Kind: generation.SettingInteger, Default: "0"},
		},
		Build: func(settings generation.Settings, log logging.Logger) generation.Driver {
			return &Driver{
				log:       log,
				workerLog: log.WithField("stream", "worker"),
				settings:  settings,
			}
		},
	}
}

// Driver runs one worker process.
type Driver struct {
	log       logging.Logger
	workerLog logging.Logger
	settings  generation.Settings

	mu       sync.Mutex
	client   *Client
	catalog  generation.ModelCatalog
	features []string
	tail     *tailbuffer.TailBuffer
	cancel   context.CancelFunc
	exited   chan error
}

// Init implements generation.Driver.Init.
func (d *Driver) Init(ctx context.Context) error {
	host := d.settings.String("host", "127.0.0.1")
	port := d.settings.Int("port", 7821)
	script := d.settings.String("start_script", "")

	if script != "" {
		if _, err := os.Stat(script); err != nil {
			// A missing script is a configuration error; retrying cannot fix it.
			return generation.NewRefusedInitError(
				fmt.Errorf("start script %q does not exist: %w", script, err))
		}
		if err := d.spawn(script, port); err != nil {
			return generation.NewTransientInitError(err)
		}
	}

	client := NewClient(fmt.Sprintf("http://%s:%d", host, port), "", d.log)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, client.Ready(ctx)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(readinessPingInterval)),
		backoff.WithMaxTries(readinessMaxPings))
	if err != nil {
		d.stopProcess()
		if tail := d.tailOutput(); tail != "" {
			err = fmt.Errorf("%w\nworker output tail:\n%s", err, tail)
		}
		return generation.NewTransientInitError(
			pkgerrors.Wrap(err, "worker did not become ready"))
	}

	catalog, err := client.Catalog(ctx)
	if err != nil {
		d.stopProcess()
		return generation.NewTransientInitError(
			pkgerrors.Wrap(err, "unable to fetch worker model catalog"))
	}

	d.mu.Lock()
	d.client = client
	d.catalog = catalog
	d.features = []string{"text2image", "progress", "batching"}
	d.mu.Unlock()
	d.log.Infof("Worker ready at %s:%d with %d main model(s)",
		host, port, len(catalog[generation.CategoryMain]))
	return nil
}

// spawn starts the worker process with its output teed into the worker log
// and a bounded tail for diagnostics.
func (d *Driver) spawn(script string, port int) error {
	args := []string{"--port", fmt.Sprintf("%d", port)}
	if extra := d.settings.String("extra_args", ""); extra != "" {
		parsed, err := shellwords.Parse(extra)
		if err != nil {
			return pkgerrors.Wrapf(err, "unable to parse extra_args %q", extra)
		}
		args = append(args, parsed...)
	}

	ctx, cancel := context.WithCancel(context.Background())

	var cmd *exec.Cmd
	if strings.HasSuffix(script, ".py") {
		cmd = exec.CommandContext(ctx, "python3", append([]string{script}, args...)...)
	} else {
		cmd = exec.CommandContext(ctx, script, args...)
	}
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("CUDA_VISIBLE_DEVICES=%d", d.settings.Int("gpu_id", 0)))
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}

	tail := tailbuffer.New(tailCapacity)
	logStream := d.workerLog.Writer()
	out := io.MultiWriter(logStream, tail)
	cmd.Stdout = logStream
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		cancel()
		return pkgerrors.Wrapf(err, "unable to start worker script %q", script)
	}
	d.log.Infof("Started worker process %d from %s", cmd.Process.Pid, script)

	exited := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		logStream.Close()
		exited <- err
		close(exited)
	}()

	d.mu.Lock()
	d.tail = tail
	d.cancel = cancel
	d.exited = exited
	d.mu.Unlock()
	return nil
}

// stopProcess signals the worker and waits briefly for it to exit. Safe to
// call in any state.
func (d *Driver) stopProcess() {
	d.mu.Lock()
	cancel := d.cancel
	exited := d.exited
	d.cancel = nil
	d.exited = nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if exited != nil {
		select {
		case err := <-exited:
			if err != nil {
				d.log.Debugf("Worker process exited: %v", err)
			}
		case <-time.After(shutdownWaitTimeout):
			d.log.Warn("Worker process did not exit in time")
		}
	}
}

func (d *Driver) tailOutput() string {
	d.mu.Lock()
	tail := d.tail
	d.mu.Unlock()
	if tail == nil {
		return ""
	}
	return tail.Tail()
}

// ShutdownNow implements generation.Driver.ShutdownNow.
func (d *Driver) ShutdownNow() {
	d.stopProcess()
	d.mu.Lock()
	d.client = nil
	d.mu.Unlock()
}

// CanLoadModels implements generation.Driver.CanLoadModels.
func (d *Driver) CanLoadModels() bool {
	return true
}

// MaxUsages implements generation.Driver.MaxUsages.
func (d *Driver) MaxUsages() int {
	return 1
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

func (d *Driver) activeClient() (*Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil, fmt.Errorf("worker is not initialized")
	}
	return d.client, nil
}

// LoadModel implements generation.Driver.LoadModel by submitting the minimal
// checkpoint-load workflow and waiting for it to complete.
func (d *Driver) LoadModel(ctx context.Context, model string) error {
	client, err := d.activeClient()
	if err != nil {
		return err
	}
	if catalog := d.Catalog(); !catalog.Has(generation.CategoryMain, model) {
		return fmt.Errorf("worker does not list model %q", model)
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
