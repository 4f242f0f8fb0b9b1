// Package factory maps writer type names from the configuration to their constructors.
package factory

import (
	"fmt"
	"sort"
	"time"

	"GoISG/internal/config"
	"GoISG/internal/model"

	"go.uber.org/zap"
)

// WriterFactory builds a writer from its configuration entry.
type WriterFactory func(def config.WriterDef, interval time.Duration, logger *zap.Logger) (model.Writer, error)

// registry holds the mapping of writer types to their factory functions.
var registry = make(map[string]WriterFactory)

// RegisterWriter registers a writer type with its factory function.
func RegisterWriter(name string, factory WriterFactory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("writer type '%s' already registered", name))
	}
	registry[name] = factory
}

// Registered returns the known writer types, sorted.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateWriters builds every enabled writer of the export section. A writer that
// fails to initialise is logged and skipped so one unreachable store does not
// prevent the engine from starting.
func CreateWriters(cfg config.ExportConfig, logger *zap.Logger) []model.Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	writers := make([]model.Writer, 0, len(cfg.Writers))
	for _, def := range cfg.Writers {
		if !def.Enabled {
			continue
		}
		log := logger.With(zap.String("writer", def.Type))

		factory, ok := registry[def.Type]
		if !ok {
			log.Warn("Unknown writer type in config, skipping")
			continue
		}
		interval, err := time.ParseDuration(def.SnapshotInterval)
		if err != nil {
			log.Warn("Invalid snapshot_interval, skipping", zap.Error(err))
			continue
		}
		writer, err := factory(def, interval, log)
		if err != nil {
			log.Warn("Failed to create writer, skipping", zap.Error(err))
			continue
		}
		writers = append(writers, writer)
	}
	return writers
}
