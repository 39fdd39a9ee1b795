package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"github.com/relaypoint/draftpipe/internal/store"
	"github.com/relaypoint/draftpipe/pkg/schema"
)

// DefaultDuplicateWindow is how far back duplicate detection looks when the
// workflow does not override it.
const DefaultDuplicateWindow = 5 * time.Minute

// fingerprintFields are the input keys that identify "the same request".
// Volatile keys (timestamps, request ids) are deliberately excluded so a
// retried submission with a fresh request id still collides.
var fingerprintFields = []string{"conversation", "profile", "company"}

// Fingerprint derives a stable hash identifying an invocation for duplicate
// detection: the workflow's channel plus the normalized core input fields.
func Fingerprint(channel schema.Channel, input map[string]any) string {
	var b strings.Builder
	b.WriteString(string(channel))
	for _, field := range fingerprintFields {
		b.WriteByte('|')
		b.WriteString(field)
		b.WriteByte('=')
		if v, ok := input[field]; ok {
			b.WriteString(normalizeValue(v))
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// normalizeValue renders a value canonically: JSON encoding (map keys sort),
// lowercased, runs of whitespace collapsed to single spaces.
func normalizeValue(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	lower := strings.ToLower(string(raw))
	return strings.Join(strings.FieldsFunc(lower, unicode.IsSpace), " ")
}

// DuplicateDetector checks invocations against recent executions of the
// same workflow.
type DuplicateDetector struct {
	store store.Store
}

// NewDuplicateDetector creates a detector backed by the store.
func NewDuplicateDetector(s store.Store) *DuplicateDetector {
	return &DuplicateDetector{store: s}
}

// Window resolves a workflow's duplicate-detection window.
func (d *DuplicateDetector) Window(settings schema.WorkflowSettings) time.Duration {
	if settings.DuplicateWindow != "" {
		if dur, err := time.ParseDuration(settings.DuplicateWindow); err == nil && dur > 0 {
			return dur
		}
	}
	return DefaultDuplicateWindow
}

// Check returns the prior execution if an equivalent invocation ran inside
// the window, or nil. Cancelled executions never count as priors.
func (d *DuplicateDetector) Check(ctx context.Context, wf *store.WorkflowRecord, fingerprint string) (*store.Execution, error) {
	window := d.Window(wf.Definition.Settings)
	prior, err := d.store.FindRecentByFingerprint(ctx, wf.ID, fingerprint, int64(window.Seconds()))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "duplicate lookup: %s", err.Error()).WithCause(err)
	}
	return prior, nil
}
