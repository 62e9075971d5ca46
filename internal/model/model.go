// Package model holds the wire-level data types shared by the broker,
// blob store, and indexer: the envelope, the two standardised topic
// payloads, and the run identifier helpers.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Any is the broker's opaque payload carrier: a type URL plus raw bytes.
// The broker never inspects Value; consumers resolve the concrete type
// from TypeURL themselves (dynamic dispatch), which is what keeps the
// topic infrastructure payload-agnostic per spec.
type Any struct {
	TypeURL string `yaml:"type_url"`
	Value   []byte `yaml:"value"`
}

// Envelope wraps every payload published to the broker.
type Envelope struct {
	MessageID string    `yaml:"message_id"`
	TsMs      int64     `yaml:"ts_ms"`
	Payload   Any       `yaml:"payload"`
}

// NewEnvelope stamps a payload with a fresh message id and the current
// wall clock, as required at publish time.
func NewEnvelope(payload Any, now time.Time) Envelope {
	return Envelope{
		MessageID: uuid.NewString(),
		TsMs:      now.UnixMilli(),
		Payload:   payload,
	}
}

// BatchInfo is the topic payload announcing a written batch blob.
type BatchInfo struct {
	SimulationRunID string `yaml:"simulation_run_id"`
	StorageKey      string `yaml:"storage_key"`
	TickStart       int64  `yaml:"tick_start"`
	TickEnd         int64  `yaml:"tick_end"`
	WrittenAtMs     int64  `yaml:"written_at_ms"`
}

const BatchInfoTypeURL = "type.evochora.io/pipeline.BatchInfo"

// MetadataInfo is the topic payload announcing a run's metadata blob.
type MetadataInfo struct {
	SimulationRunID string `yaml:"simulation_run_id"`
	StorageKey      string `yaml:"storage_key"`
	WrittenAtMs     int64  `yaml:"written_at_ms"`
}

const MetadataInfoTypeURL = "type.evochora.io/pipeline.MetadataInfo"

// NewRunID mints a run identifier of the form <timestamp>-<uuid>, the
// canonical form required everywhere a run is named (blob keys, database
// schemas, topic payloads).
func NewRunID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())
}

// SchemaName sanitises a run id into the database schema name that owns
// its indexed data: sim_<runId with '-' -> '_'>.
func SchemaName(runID string) string {
	return "sim_" + strings.ReplaceAll(runID, "-", "_")
}

// TickData is one per-tick environment record as buffered by an indexer
// before a flush. Cells is the non-empty cell list for that tick; the
// single-blob-per-tick strategy serialises this as one blob per tick.
type TickData struct {
	Tick  int64
	Cells []CellRecord
}

// CellRecord is one non-empty environment cell at a given tick.
type CellRecord struct {
	X, Y  int64
	Value []byte
}

// Metadata is the run-level metadata gating indexers block on: the only
// legal source of environment shape, topology, and dimension count.
type Metadata struct {
	RunID      string            `yaml:"run_id"`
	Width      int64             `yaml:"width"`
	Height     int64             `yaml:"height"`
	Topology   string            `yaml:"topology"`
	Dimensions int64             `yaml:"dimensions"`
	Extra      map[string]string `yaml:"extra"`
}
