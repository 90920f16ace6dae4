// Package audit provides PDR (Process Decision Record) writing for the hub.
package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/fentz26/hub/internal/clock"
	"github.com/fentz26/hub/internal/models"
	"github.com/fentz26/hub/internal/store"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	records *store.Collection[models.PDREntry]
	clock   clock.Clock
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(records *store.Collection[models.PDREntry], clk clock.Clock) *PDRWriter {
	if clk == nil {
		clk = clock.Real()
	}
	return &PDRWriter{records: records, clock: clk}
}

// Entry describes one state-mutating action. Inputs must not contain secrets.
type Entry struct {
	Action     string
	Inputs     any
	Outcome    string
	TaskID     string
	PipelineID string
	Details    string
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(ctx context.Context, e Entry) (*models.PDREntry, error) {
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     e.Action,
		InputsHash: hashInputs(e.Inputs),
		Outcome:    e.Outcome,
		TaskID:     e.TaskID,
		PipelineID: e.PipelineID,
		Details:    e.Details,
		Timestamp:  w.clock.Now(),
	}
	if err := w.records.Put(ctx, pdr.ID, *pdr); err != nil {
		return nil, err
	}
	return pdr, nil
}

// List returns the entries for taskID (all entries when empty), oldest first.
func (w *PDRWriter) List(ctx context.Context, taskID string) ([]models.PDREntry, error) {
	all, err := w.records.List(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]models.PDREntry, 0, len(all))
	for _, e := range all {
		if taskID == "" || e.TaskID == taskID {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}

// hashInputs creates a BLAKE3 hash of the inputs for reproducibility.
func hashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}
