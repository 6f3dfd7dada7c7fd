package models

import (
	"maps"
	"slices"
)

// Chat model identifiers known to the relay.
const (
	ModelGPT4            = "gpt-4"
	ModelGPT432K         = "gpt-4-32k-0314"
	ModelGPT40613        = "gpt-4-0613"
	ModelGPT41106Preview = "gpt-4-1106-preview"
	ModelGPT4Vision      = "gpt-4-vision-preview"
	ModelGPTTurbo        = "gpt-3.5-turbo"
	ModelGPTTurbo16K     = "gpt-3.5-turbo-16k"

	DefaultModel = ModelGPTTurbo
)

// Model describes a catalogue entry.
type Model struct {
	ID            string
	ContextWindow int
	// VisionTier models are served with a fixed response ceiling.
	VisionTier bool
	// EncodingAlias names a sibling model whose tokenizer is compatible.
	EncodingAlias string
}

var catalog = map[string]Model{
	ModelGPT4:            {ID: ModelGPT4, ContextWindow: 8192},
	ModelGPT432K:         {ID: ModelGPT432K, ContextWindow: 32768, EncodingAlias: ModelGPT4},
	ModelGPT40613:        {ID: ModelGPT40613, ContextWindow: 8192, EncodingAlias: ModelGPT4},
	ModelGPT41106Preview: {ID: ModelGPT41106Preview, ContextWindow: 128000, VisionTier: true, EncodingAlias: ModelGPT4},
	ModelGPT4Vision:      {ID: ModelGPT4Vision, ContextWindow: 128000, VisionTier: true, EncodingAlias: ModelGPT4},
	ModelGPTTurbo:        {ID: ModelGPTTurbo, ContextWindow: 4096},
	ModelGPTTurbo16K:     {ID: ModelGPTTurbo16K, ContextWindow: 16384, EncodingAlias: ModelGPTTurbo},
}

// IDs returns every catalogued model identifier in sorted order.
func IDs() []string {
	return slices.Sorted(maps.Keys(catalog))
}

// LookupModel returns the catalogue entry for id.
func LookupModel(id string) (Model, bool) {
	m, ok := catalog[id]
	return m, ok
}
