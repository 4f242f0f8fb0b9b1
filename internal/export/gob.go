// Package export holds the writers that persist periodic session accounting snapshots.
package export

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"GoISG/internal/config"
	"GoISG/internal/factory"
	"GoISG/internal/model"

	"go.uber.org/zap"
)

func init() {
	factory.RegisterWriter("gob", func(def config.WriterDef, interval time.Duration, logger *zap.Logger) (model.Writer, error) {
		if def.Gob.RootPath == "" {
			return nil, fmt.Errorf("gob writer requires gob.root_path")
		}
		return NewGobWriter(def.Gob.RootPath, interval, logger), nil
	})
}

// TimestampLayout is the layout of the timestamp handed to Write.
const TimestampLayout = "2006-01-02_15-04-05"

const (
	defaultShardCount = 16
	summaryFileName   = "summary.json"
)

// Summary holds the metadata of one namespace snapshot.
type Summary struct {
	Namespace     string `json:"namespace"`
	TotalSessions int    `json:"total_sessions"`
	SubSessions   int    `json:"sub_sessions"`
	InBytes       uint64 `json:"in_bytes"`
	InPackets     uint64 `json:"in_packets"`
	OutBytes      uint64 `json:"out_bytes"`
	OutPackets    uint64 `json:"out_packets"`
	Dropped       uint64 `json:"dropped"`
	Shards        int    `json:"shards"`
	Timestamp     string `json:"timestamp"`
}

// GobWriter writes each snapshot to disk as gob-encoded shards plus a JSON summary,
// one directory per namespace under a timestamped directory.
type GobWriter struct {
	rootPath string
	interval time.Duration
	shards   int
	logger   *zap.Logger
}

// NewGobWriter creates a writer rooted at rootPath.
func NewGobWriter(rootPath string, interval time.Duration, logger *zap.Logger) *GobWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GobWriter{rootPath: rootPath, interval: interval, shards: defaultShardCount, logger: logger}
}

// GetInterval returns the configured snapshot interval for this writer.
func (w *GobWriter) GetInterval() time.Duration {
	return w.interval
}

// Write stores records under <root>/<timestamp>/<namespace>/.
func (w *GobWriter) Write(records []model.SessionRecord, timestamp string) error {
	byNamespace := make(map[string][]model.SessionRecord)
	for _, rec := range records {
		byNamespace[rec.Namespace] = append(byNamespace[rec.Namespace], rec)
	}
	for ns, recs := range byNamespace {
		if err := w.writeNamespace(filepath.Join(w.rootPath, timestamp, ns), ns, recs); err != nil {
			return err
		}
	}
	return nil
}

func (w *GobWriter) writeNamespace(dir, ns string, records []model.SessionRecord) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	shards := make([][]model.SessionRecord, w.shards)
	summary := Summary{Namespace: ns, Shards: w.shards}
	for _, rec := range records {
		i := int(rec.ID % uint64(w.shards))
		shards[i] = append(shards[i], rec)
		if rec.ParentID != 0 {
			summary.SubSessions++
			continue
		}
		summary.TotalSessions++
		summary.InBytes += rec.InBytes
		summary.InPackets += rec.InPackets
		summary.OutBytes += rec.OutBytes
		summary.OutPackets += rec.OutPackets
		summary.Dropped += rec.InDropped + rec.OutDropped
	}

	for i, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		if err := writeShard(filepath.Join(dir, fmt.Sprintf("shard_%d.dat", i)), shard); err != nil {
			return err
		}
	}

	summary.Timestamp = time.Now().UTC().Format(time.RFC3339)
	summaryFile, err := os.Create(filepath.Join(dir, summaryFileName))
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer summaryFile.Close()

	jsonEncoder := json.NewEncoder(summaryFile)
	jsonEncoder.SetIndent("", "  ")
	if err := jsonEncoder.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode summary to json: %w", err)
	}
	w.logger.Debug("Wrote gob snapshot", zap.String("namespace", ns), zap.Int("records", len(records)))
	return nil
}

func writeShard(path string, records []model.SessionRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file '%s': %w", path, err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(records); err != nil {
		return fmt.Errorf("failed to encode records to gob for file '%s': %w", path, err)
	}
	return nil
}

// ReadSnapshot loads the records and summary of one namespace snapshot directory.
// Records are ordered by ID.
func ReadSnapshot(dir string) ([]model.SessionRecord, *Summary, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "shard_*.dat"))
	if err != nil {
		return nil, nil, err
	}

	var records []model.SessionRecord
	for _, path := range paths {
		file, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		var shard []model.SessionRecord
		err = gob.NewDecoder(file).Decode(&shard)
		file.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to decode '%s': %w", path, err)
		}
		records = append(records, shard...)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	data, err := os.ReadFile(filepath.Join(dir, summaryFileName))
	if err != nil {
		return nil, nil, err
	}
	var summary Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, nil, fmt.Errorf("failed to decode summary: %w", err)
	}
	return records, &summary, nil
}
