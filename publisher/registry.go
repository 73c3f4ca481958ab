package publisher

import (
	"fmt"
	"sync"

	"github.com/trigon-io/trigon/cfg"
)

// SinkFactory creates a sink from configuration
type SinkFactory func(config cfg.SinkConfiguration) (Sink, error)

// TransformerFactory creates a transformer
type TransformerFactory func() Transformer

var (
	factoryMu            sync.RWMutex
	sinkFactories        = map[cfg.SinkType]SinkFactory{}
	transformerFactories = map[string]TransformerFactory{}
)

// RegisterSink registers a sink factory under a sink type. Sinks register
// themselves from init so configuration alone selects the implementation.
func RegisterSink(sinkType cfg.SinkType, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory under a name.
func RegisterTransformer(name string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[name] = factory
}

// NewSink creates the configured sink.
func NewSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, ok := sinkFactories[config.Type]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no sink registered for type %q", config.Type)
	}
	return factory(config)
}

// NewTransformer creates the named transformer, optionally wrapped with
// zstd payload compression.
func NewTransformer(config cfg.SinkConfiguration) (Transformer, error) {
	factoryMu.RLock()
	factory, ok := transformerFactories[config.Transformer]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no transformer registered for name %q", config.Transformer)
	}

	transformer := factory()
	if config.Compression == "zstd" {
		return NewZstdTransformer(transformer)
	}
	return transformer, nil
}
