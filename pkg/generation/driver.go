package generation

import (
	"context"

	"github.com/imagegen/orchestrator/pkg/logging"
)

// SettingKind enumerates the value kinds a driver setting field can take.
type SettingKind uint8

const (
	// SettingText is a free-form string setting.
	SettingText SettingKind = iota
	// SettingInteger is an integer setting.
	SettingInteger
	// SettingDecimal is a floating point setting.
	SettingDecimal
	// SettingBool is a boolean setting.
	SettingBool
)

// String implements Stringer.String for SettingKind.
func (k SettingKind) String() string {
	switch k {
	case SettingText:
		return "text"
	case SettingInteger:
		return "integer"
	case SettingDecimal:
		return "decimal"
	case SettingBool:
		return "bool"
	default:
		return "unknown"
	}
}

// SettingField describes one field of a driver type's settings schema.
type SettingField struct {
	// Name is the stable field key used in persisted settings.
	Name string `json:"name"`
	// Label is the human-facing field name.
	Label string `json:"label"`
	// Kind is the field's value kind.
	Kind SettingKind `json:"kind"`
	// Default is the default value, encoded as a string.
	Default string `json:"default,omitempty"`
}

// Settings holds raw, user-supplied driver settings keyed by field name.
type Settings map[string]interface{}

// Type is an immutable descriptor for one kind of backend driver.
type Type struct {
	// ID is the stable type identifier used in persisted configuration.
	ID string
	// Name is the human-facing type name.
	Name string
	// SettingsSchema enumerates the settings fields the type accepts.
	SettingsSchema []SettingField
	// CanLoadFast indicates that initialization is cheap enough to run inline
	// on the goroutine that adds the backend, instead of going through the
	// init queue.
	CanLoadFast bool
	// Build constructs a new driver instance from raw settings.
	Build func(settings Settings, log logging.Logger) Driver
}

// Driver is the contract between the orchestrator core and one backend worker
// process or remote endpoint. The core treats drivers as opaque: all
// observable side effects are confined to the driver.
//
// Drivers need not be safe for concurrent invocation of Init, LoadModel and
// ShutdownNow; the registry serializes those. GenerateLive may be invoked
// concurrently up to MaxUsages times.
type Driver interface {
	// Init performs blocking bring-up. On success the driver is ready to serve
	// and Catalog and Features report valid data. Failures are reported as
	// *InitError: refused errors indicate invalid configuration and must not
	// be retried, transient errors may be retried.
	Init(ctx context.Context) error
	// ShutdownNow tears the driver down cooperatively. It must be callable in
	// any state and must be idempotent.
	ShutdownNow()
	// CanLoadModels reports whether the driver can swap its resident model.
	CanLoadModels() bool
	// MaxUsages returns the driver's bound on concurrent generations.
	MaxUsages() int
	// Catalog returns the model catalog reported by the worker. Only valid
	// after a successful Init.
	Catalog() ModelCatalog
	// Features returns the worker's supported feature set. Only valid after a
	// successful Init.
	Features() []string
	// LoadModel swaps the resident model. It must not be called while any
	// generation slot is in use. A nil error means the model is now resident.
	LoadModel(ctx context.Context, model string) error
	// GenerateLive runs one streaming generation. onEvent receives progress
	// records and completed images in the order the worker produced them.
	// GenerateLive returns once all outputs for the request have been
	// delivered or an error occurred. It may return ErrPleaseRedirect to ask
	// the orchestrator to retry the request on another backend.
	GenerateLive(ctx context.Context, input *Input, batchID string, onEvent func(Event)) error
}
