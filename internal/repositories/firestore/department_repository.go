package firestore

import (
	"context"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/lunchdesk/api/internal/domain"
	pfirestore "github.com/lunchdesk/api/internal/platform/firestore"
	"github.com/lunchdesk/api/internal/repositories"
)

// DepartmentRepository stores departments keyed by their slug.
type DepartmentRepository struct {
	base *pfirestore.BaseRepository[departmentDocument]
}

var _ repositories.DepartmentRepository = (*DepartmentRepository)(nil)

type departmentDocument struct {
	Name        string         `firestore:"name"`
	AdminEmails []string       `firestore:"adminEmails"`
	Status      string         `firestore:"status"`
	Preferences map[string]any `firestore:"preferences,omitempty"`
	UpdatedAt   time.Time      `firestore:"updatedAt"`
}

// FindByID loads a department.
func (r *DepartmentRepository) FindByID(ctx context.Context, id string) (domain.Department, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Department{}, err
	}
	return toDomainDepartment(doc), nil
}

// List returns every department sorted by name.
func (r *DepartmentRepository) List(ctx context.Context) ([]domain.Department, error) {
	docs, err := r.base.Query(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Department, 0, len(docs))
	for _, doc := range docs {
		out = append(out, toDomainDepartment(doc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SaveExclusive writes dept and strips its administrators from every other department inside one
// transaction.
func (r *DepartmentRepository) SaveExclusive(ctx context.Context, dept domain.Department) ([]domain.Department, error) {
	if strings.TrimSpace(dept.ID) == "" {
		return nil, pfirestore.Conflict("departments.save", "department id is required")
	}
	coll, err := r.base.CollectionRef(ctx)
	if err != nil {
		return nil, err
	}
	target := coll.Doc(dept.ID)

	var changed []domain.Department
	err = r.base.Provider().RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		changed = nil
		snaps, err := tx.Documents(coll).GetAll()
		if err != nil {
			return err
		}

		type pending struct {
			ref  *firestore.DocumentRef
			dept domain.Department
		}
		var writes []pending
		for _, snap := range snaps {
			if snap.Ref.ID == dept.ID {
				continue
			}
			doc, err := r.base.Decode(snap)
			if err != nil {
				return err
			}
			other := toDomainDepartment(doc)
			kept := make([]string, 0, len(other.AdminEmails))
			for _, admin := range other.AdminEmails {
				if !dept.HasAdmin(admin) {
					kept = append(kept, admin)
				}
			}
			if len(kept) == len(other.AdminEmails) {
				continue
			}
			other.AdminEmails = kept
			other.UpdatedAt = dept.UpdatedAt
			writes = append(writes, pending{ref: snap.Ref, dept: other})
		}

		for _, w := range writes {
			if err := tx.Set(w.ref, fromDomainDepartment(w.dept)); err != nil {
				return err
			}
			changed = append(changed, w.dept)
		}
		return tx.Set(target, fromDomainDepartment(dept))
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// Delete removes the department.
func (r *DepartmentRepository) Delete(ctx context.Context, id string) error {
	return r.base.Delete(ctx, strings.TrimSpace(id))
}

func fromDomainDepartment(dept domain.Department) departmentDocument {
	return departmentDocument{
		Name:        strings.TrimSpace(dept.Name),
		AdminEmails: normaliseEmails(dept.AdminEmails),
		Status:      string(dept.Status),
		Preferences: cloneMap(dept.Preferences),
		UpdatedAt:   dept.UpdatedAt,
	}
}

func toDomainDepartment(doc pfirestore.Document[departmentDocument]) domain.Department {
	dept := domain.Department{
		ID:          doc.ID,
		Name:        doc.Data.Name,
		AdminEmails: append([]string(nil), doc.Data.AdminEmails...),
		Status:      domain.DepartmentStatus(doc.Data.Status),
		Preferences: doc.Data.Preferences,
		UpdatedAt:   doc.Data.UpdatedAt,
	}
	if dept.UpdatedAt.IsZero() {
		dept.UpdatedAt = doc.UpdateTime
	}
	return dept
}
