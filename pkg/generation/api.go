package generation

// Input carries the parameters of a single generation. The orchestrator core
// treats it as opaque; only drivers interpret it when constructing whatever
// workflow their worker process expects.
type Input struct {
	// Prompt is the positive prompt text.
	Prompt string `json:"prompt"`
	// NegativePrompt is the negative prompt text.
	NegativePrompt string `json:"negative_prompt,omitempty"`
	// Width and Height are the requested image dimensions in pixels.
	Width  int `json:"width"`
	Height int `json:"height"`
	// Steps is the number of sampling steps.
	Steps int `json:"steps"`
	// Seed is the sampling seed. Negative means "pick one".
	Seed int64 `json:"seed"`
	// CFGScale is the classifier-free guidance scale.
	CFGScale float64 `json:"cfg_scale,omitempty"`
	// Images is the number of images requested.
	Images int `json:"images,omitempty"`
	// Extra holds extension parameters that the core never inspects.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Event is a streamed generation callback payload. The two concrete event
// types are ProgressEvent and ImageEvent; drivers deliver them in the order
// the worker produced them.
type Event interface {
	generationEvent()
}

// ProgressEvent reports generation progress for a batch.
type ProgressEvent struct {
	// BatchID identifies the batch this event belongs to.
	BatchID string
	// Overall is the overall progress fraction in [0, 1].
	Overall float64
	// Current is the progress fraction of the image currently being sampled.
	Current float64
	// Preview optionally holds an encoded low-resolution preview image.
	Preview []byte
}

func (ProgressEvent) generationEvent() {}

// ImageEvent delivers one completed image.
type ImageEvent struct {
	// BatchID identifies the batch this event belongs to.
	BatchID string
	// Data is the encoded image.
	Data []byte
	// Format is the image encoding (e.g. "png").
	Format string
	// Metadata holds driver-supplied key/value metadata for the image.
	Metadata map[string]string
}

func (ImageEvent) generationEvent() {}

// Model catalog category names shared by all drivers.
const (
	CategoryMain       = "main"
	CategoryVAE        = "vae"
	CategoryLoRA       = "lora"
	CategoryControlNet = "controlnet"
	CategoryEmbedding  = "embedding"
)

// ModelCatalog maps catalog categories to the model names a worker can load.
type ModelCatalog map[string][]string

// Has reports whether the catalog lists the named model in the given category.
func (c ModelCatalog) Has(category, name string) bool {
	for _, m := range c[category] {
		if m == name {
			return true
		}
	}
	return false
}
