package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/lunchdesk/api/internal/domain"
	pfirestore "github.com/lunchdesk/api/internal/platform/firestore"
	"github.com/lunchdesk/api/internal/repositories"
)

// AuditLogRepository appends audit entries. Entries are never updated.
type AuditLogRepository struct {
	base *pfirestore.BaseRepository[auditDocument]
}

var _ repositories.AuditLogRepository = (*AuditLogRepository)(nil)

type auditDocument struct {
	Actor     string         `firestore:"actor"`
	Action    string         `firestore:"action"`
	TargetRef string         `firestore:"targetRef"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
	Diff      map[string]any `firestore:"diff,omitempty"`
	Severity  string         `firestore:"severity,omitempty"`
	RequestID string         `firestore:"requestId,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt"`
}

// Append stores entry. Entries without an ID receive a generated one.
func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	doc := auditDocument{
		Actor:     entry.Actor,
		Action:    entry.Action,
		TargetRef: entry.TargetRef,
		Metadata:  cloneMap(entry.Metadata),
		Diff:      cloneMap(entry.Diff),
		Severity:  entry.Severity,
		RequestID: entry.RequestID,
		CreatedAt: entry.CreatedAt,
	}
	if entry.ID != "" {
		return r.base.Set(ctx, entry.ID, doc)
	}
	coll, err := r.base.CollectionRef(ctx)
	if err != nil {
		return err
	}
	if _, err := coll.NewDoc().Create(ctx, doc); err != nil {
		return pfirestore.WrapError("auditLogs.append", err)
	}
	return nil
}

// ListRecent returns up to limit entries, newest first. A non-positive limit returns everything.
func (r *AuditLogRepository) ListRecent(ctx context.Context, limit int) ([]domain.AuditLogEntry, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.OrderBy("createdAt", firestore.Desc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.AuditLogEntry, 0, len(docs))
	for _, doc := range docs {
		out = append(out, domain.AuditLogEntry{
			ID:        doc.ID,
			Actor:     doc.Data.Actor,
			Action:    doc.Data.Action,
			TargetRef: doc.Data.TargetRef,
			Metadata:  doc.Data.Metadata,
			Diff:      doc.Data.Diff,
			Severity:  doc.Data.Severity,
			RequestID: doc.Data.RequestID,
			CreatedAt: doc.Data.CreatedAt,
		})
	}
	return out, nil
}
