package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/platform/requestctx"
	"github.com/lunchdesk/api/internal/repositories"
)

const (
	defaultAuditSeverity = "info"
	defaultHasherPrefix  = "sha256:"
	defaultAuditListSize = 50
	maxAuditListSize     = 500
)

type auditLogService struct {
	repo     repositories.AuditLogRepository
	clock    func() time.Time
	newID    func() string
	logger   Logger
	hashSalt string
}

// AuditLogServiceDeps bundles constructor inputs for the audit writer service.
type AuditLogServiceDeps struct {
	Repository  repositories.AuditLogRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      Logger
	HashSalt    string
}

// NewAuditLogService creates an audit log writer backed by the supplied repository.
func NewAuditLogService(deps AuditLogServiceDeps) (AuditLogService, error) {
	if deps.Repository == nil {
		return nil, errors.New("audit log service: repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &auditLogService{
		repo:     deps.Repository,
		clock:    func() time.Time { return clock().UTC() },
		newID:    idGen,
		logger:   logger,
		hashSalt: deps.HashSalt,
	}, nil
}

// Record persists an audit log entry. Repository failures are logged and never returned so the
// mutation being audited is not interrupted.
func (s *auditLogService) Record(ctx context.Context, record AuditLogRecord) {
	if record.RequestID == "" {
		record.RequestID = requestctx.RequestID(ctx)
	}
	entry := s.buildEntry(record)
	if err := s.repo.Append(ctx, entry); err != nil {
		s.logger(ctx, "audit.append_failed", map[string]any{
			"action": entry.Action,
			"target": entry.TargetRef,
			"error":  err.Error(),
		})
	}
}

func (s *auditLogService) ListRecent(ctx context.Context, limit int) ([]domain.AuditLogEntry, error) {
	switch {
	case limit <= 0:
		limit = defaultAuditListSize
	case limit > maxAuditListSize:
		limit = maxAuditListSize
	}
	entries, err := s.repo.ListRecent(ctx, limit)
	if err != nil {
		return nil, mapRepositoryError("audit log", err)
	}
	return entries, nil
}

func (s *auditLogService) buildEntry(record AuditLogRecord) domain.AuditLogEntry {
	occurred := record.OccurredAt
	if occurred.IsZero() {
		occurred = s.clock()
	}
	entry := domain.AuditLogEntry{
		ID:        "aud_" + s.newID(),
		Actor:     sanitizeText(domain.NormalizeEmail(record.Actor), 160),
		Action:    sanitizeText(record.Action, 120),
		TargetRef: sanitizeText(record.TargetRef, 200),
		Severity:  normalizeSeverity(record.Severity),
		RequestID: sanitizeText(record.RequestID, 128),
		CreatedAt: occurred.UTC(),
	}
	if entry.Actor == "" {
		entry.Actor = "system"
	}

	if len(record.Metadata) > 0 {
		sensitive := make(map[string]struct{}, len(record.SensitiveMetadataKeys))
		for _, key := range record.SensitiveMetadataKeys {
			sensitive[strings.ToLower(strings.TrimSpace(key))] = struct{}{}
		}
		meta := make(map[string]any, len(record.Metadata))
		for key, value := range record.Metadata {
			key = sanitizeText(key, 80)
			if key == "" {
				continue
			}
			if _, hide := sensitive[strings.ToLower(key)]; hide {
				meta[key] = defaultHasherPrefix + s.hashAny(value)
				continue
			}
			meta[key] = sanitizeValue(value)
		}
		entry.Metadata = meta
	}

	if len(record.Diff) > 0 {
		diff := make(map[string]any, len(record.Diff))
		for key, change := range record.Diff {
			key = sanitizeText(key, 80)
			if key == "" {
				continue
			}
			diff[key] = map[string]any{
				"before": sanitizeValue(change.Before),
				"after":  sanitizeValue(change.After),
			}
		}
		entry.Diff = diff
	}
	return entry
}

func (s *auditLogService) hashAny(value any) string {
	var raw string
	switch v := value.(type) {
	case string:
		raw = strings.TrimSpace(v)
	case fmt.Stringer:
		raw = v.String()
	default:
		if b, err := json.Marshal(v); err == nil {
			raw = string(b)
		} else {
			raw = fmt.Sprintf("%v", v)
		}
	}
	sum := sha256.Sum256([]byte(s.hashSalt + raw))
	return hex.EncodeToString(sum[:])
}

func normalizeSeverity(severity string) string {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return defaultAuditSeverity
	}
}

func sanitizeValue(value any) any {
	switch v := value.(type) {
	case string:
		return sanitizeText(v, 512)
	case fmt.Stringer:
		return sanitizeText(v.String(), 512)
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = sanitizeText(item, 512)
		}
		return out
	default:
		return v
	}
}

// sanitizeText trims, drops control characters and caps the byte length.
func sanitizeText(input string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	var builder strings.Builder
	for _, r := range input {
		if r < 32 && r != '\n' && r != '\t' {
			continue
		}
		builder.WriteRune(r)
		if builder.Len() >= limit {
			break
		}
	}
	return builder.String()
}
