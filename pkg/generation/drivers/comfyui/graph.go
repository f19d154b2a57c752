package comfyui

import (
	"fmt"
	"math/rand"

	"github.com/imagegen/orchestrator/pkg/generation"
)

// Node ids follow the worker's default text-to-image workflow layout.
const (
	nodeCheckpoint = "4"
	nodeLatent     = "5"
	nodePositive   = "6"
	nodeNegative   = "7"
	nodeSampler    = "3"
	nodeDecode     = "8"
	nodeSave       = "9"
)

// modelFor resolves the model the input wants resident. The orchestrator's
// intake layer places it in the input's extension map.
func modelFor(input *generation.Input) (string, error) {
	raw, ok := input.Extra["model"]
	if !ok {
		return "", fmt.Errorf("input names no model")
	}
	model, ok := raw.(string)
	if !ok || model == "" {
		return "", fmt.Errorf("input names no model")
	}
	return model, nil
}

// buildGraph translates a generation input into the worker's workflow graph.
func buildGraph(input *generation.Input, model string) map[string]interface{} {
	width, height := input.Width, input.Height
	if width <= 0 {
		width = 512
	}
	if height <= 0 {
		height = 512
	}
	steps := input.Steps
	if steps <= 0 {
		steps = 20
	}
	cfg := input.CFGScale
	if cfg <= 0 {
		cfg = 7
	}
	images := input.Images
	if images <= 0 {
		images = 1
	}
	seed := input.Seed
	if seed < 0 {
		seed = rand.Int63()
	}

	return map[string]interface{}{
		nodeCheckpoint: node("CheckpointLoaderSimple", map[string]interface{}{
			"ckpt_name": model,
		}),
		nodeLatent: node("EmptyLatentImage", map[string]interface{}{
			"width":      width,
			"height":     height,
			"batch_size": images,
		}),
		nodePositive: node("CLIPTextEncode", map[string]interface{}{
			"text": input.Prompt,
			"clip": ref(nodeCheckpoint, 1),
		}),
		nodeNegative: node("CLIPTextEncode", map[string]interface{}{
			"text": input.NegativePrompt,
			"clip": ref(nodeCheckpoint, 1),
		}),
		nodeSampler: node("KSampler", map[string]interface{}{
			"model":        ref(nodeCheckpoint, 0),
			"positive":     ref(nodePositive, 0),
			"negative":     ref(nodeNegative, 0),
			"latent_image": ref(nodeLatent, 0),
			"seed":         seed,
			"steps":        steps,
			"cfg":          cfg,
			"sampler_name": "euler",
			"scheduler":    "normal",
			"denoise":      1.0,
		}),
		nodeDecode: node("VAEDecode", map[string]interface{}{
			"samples": ref(nodeSampler, 0),
			"vae":     ref(nodeCheckpoint, 2),
		}),
		nodeSave: node("SaveImage", map[string]interface{}{
			"images":          ref(nodeDecode, 0),
			"filename_prefix": "orchestrator",
		}),
	}
}

// loadGraph is the minimal workflow used to make a checkpoint resident
// without sampling anything.
func loadGraph(model string) map[string]interface{} {
	return map[string]interface{}{
		nodeCheckpoint: node("CheckpointLoaderSimple", map[string]interface{}{
			"ckpt_name": model,
		}),
	}
}

func node(classType string, inputs map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"class_type": classType,
		"inputs":     inputs,
	}
}

// ref encodes a node output reference as [nodeID, outputIndex].
func ref(nodeID string, output int) []interface{} {
	return []interface{}{nodeID, output}
}
