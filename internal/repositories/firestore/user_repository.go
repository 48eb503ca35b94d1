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

// UserRepository stores users under their normalised email.
type UserRepository struct {
	base *pfirestore.BaseRepository[userDocument]
}

var _ repositories.UserRepository = (*UserRepository)(nil)

type userDocument struct {
	Email        string         `firestore:"email"`
	Name         string         `firestore:"name"`
	DepartmentID string         `firestore:"departmentId"`
	Role         string         `firestore:"role"`
	Status       string         `firestore:"status"`
	Preferences  map[string]any `firestore:"preferences,omitempty"`
	Code         string         `firestore:"code,omitempty"`
	// CodeKey is the lower-cased code used for case-insensitive lookups.
	CodeKey   string    `firestore:"codeKey,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// FindByEmail loads a user by email, ignoring case.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (domain.User, error) {
	key := domain.NormalizeEmail(email)
	if key == "" {
		return domain.User{}, pfirestore.NotFound("users.get", "user not found")
	}
	doc, err := r.base.Get(ctx, key)
	if err != nil {
		return domain.User{}, err
	}
	return toDomainUser(doc), nil
}

// FindByCode loads the user holding the personal code.
func (r *UserRepository) FindByCode(ctx context.Context, code string) (domain.User, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return domain.User{}, pfirestore.NotFound("users.by_code", "user not found")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("codeKey", "==", code).Limit(1)
	})
	if err != nil {
		return domain.User{}, err
	}
	if len(docs) == 0 {
		return domain.User{}, pfirestore.NotFound("users.by_code", "user not found")
	}
	return toDomainUser(docs[0]), nil
}

// List returns users matching filter sorted by email.
func (r *UserRepository) List(ctx context.Context, filter repositories.UserFilter) ([]domain.User, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.DepartmentID != "" {
			q = q.Where("departmentId", "==", filter.DepartmentID)
		}
		if len(filter.Status) > 0 {
			statuses := make([]string, 0, len(filter.Status))
			for _, s := range filter.Status {
				statuses = append(statuses, string(s))
			}
			q = q.Where("status", "in", statuses)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.User, 0, len(docs))
	for _, doc := range docs {
		out = append(out, toDomainUser(doc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

// Upsert writes the user, replacing any previous record.
func (r *UserRepository) Upsert(ctx context.Context, user domain.User) error {
	key := domain.NormalizeEmail(user.Email)
	if key == "" {
		return pfirestore.Conflict("users.upsert", "email is required")
	}
	user.Email = key
	return r.base.Set(ctx, key, fromDomainUser(user))
}

// Delete removes the user.
func (r *UserRepository) Delete(ctx context.Context, email string) error {
	key := domain.NormalizeEmail(email)
	if key == "" {
		return pfirestore.NotFound("users.delete", "user not found")
	}
	return r.base.Delete(ctx, key)
}

func fromDomainUser(user domain.User) userDocument {
	code := strings.TrimSpace(user.Code)
	return userDocument{
		Email:        user.Email,
		Name:         strings.TrimSpace(user.Name),
		DepartmentID: user.DepartmentID,
		Role:         string(user.Role),
		Status:       string(user.Status),
		Preferences:  cloneMap(user.Preferences),
		Code:         code,
		CodeKey:      strings.ToLower(code),
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
	}
}

func toDomainUser(doc pfirestore.Document[userDocument]) domain.User {
	data := doc.Data
	user := domain.User{
		Email:        domain.NormalizeEmail(data.Email),
		Name:         data.Name,
		DepartmentID: data.DepartmentID,
		Role:         domain.ParseRole(data.Role),
		Status:       domain.UserStatus(data.Status),
		Preferences:  data.Preferences,
		Code:         data.Code,
		CreatedAt:    data.CreatedAt,
		UpdatedAt:    data.UpdatedAt,
	}
	if user.Email == "" {
		user.Email = doc.ID
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = doc.CreateTime
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = doc.UpdateTime
	}
	return user
}
