package llm

import (
	"context"
	"time"
)

// AuditRecord captures one request/response pair for later review.
type AuditRecord struct {
	ChatID   string    `json:"chat_id,omitempty"`
	TurnID   string    `json:"turn_id,omitempty"`
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Request  any       `json:"request"`
	Response any       `json:"response,omitempty"`
	Fault    string    `json:"fault,omitempty"`
	At       time.Time `json:"at"`
}

// Recorder receives audit records. Recording is strictly best-effort: a
// failing recorder must never mask or alter the primary result, so
// providers invoke it through SafeRecord and discard its error.
type Recorder interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// SafeRecord invokes rec if non-nil, swallowing errors and panics.
func SafeRecord(ctx context.Context, r Recorder, rec AuditRecord) {
	if r == nil {
		return
	}
	defer func() { _ = recover() }()
	_ = r.Record(ctx, rec)
}

type auditIDsKey struct{}

// AuditIDs tags a context with the chat/turn ids stamped onto records.
type AuditIDs struct {
	ChatID string
	TurnID string
}

// WithAuditIDs attaches audit ids to a context.
func WithAuditIDs(ctx context.Context, ids AuditIDs) context.Context {
	return context.WithValue(ctx, auditIDsKey{}, ids)
}

// GetAuditIDs extracts audit ids from a context if present.
func GetAuditIDs(ctx context.Context) (AuditIDs, bool) {
	v := ctx.Value(auditIDsKey{})
	if v == nil {
		return AuditIDs{}, false
	}
	ids, ok := v.(AuditIDs)
	return ids, ok
}
