// Package audit records decision entries for state-mutating operations.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/loomhq/loom/internal/models"
	"github.com/loomhq/loom/internal/store"
)

// Recorder writes audit entries through the store.
type Recorder struct {
	store *store.Store
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(s *store.Store) *Recorder {
	return &Recorder{store: s}
}

// Record writes one audit row for action. The inputs are canonicalized
// to JSON and stored only as a SHA-256 digest, so identical calls can
// be correlated without retaining the payload itself.
func (r *Recorder) Record(action string, inputs interface{}, outcome, taskID, details string) (*models.AuditEntry, error) {
	payload, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("marshal audit inputs: %w", err)
	}
	digest := sha256.Sum256(payload)
	return r.store.WriteAudit(action, hex.EncodeToString(digest[:]), outcome, taskID, details)
}
