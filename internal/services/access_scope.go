package services

import (
	"context"
	"errors"
	"strings"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/repositories"
)

// ResolveRole derives the effective role of user. dept must be the department currently
// referenced by the user, or nil when it does not exist.
func ResolveRole(user domain.User, dept *domain.Department, settings domain.Settings) domain.Role {
	if domain.ParseRole(string(user.Role)) == domain.RoleGlobalAdmin || settings.IsGlobalAdmin(user.Email) {
		return domain.RoleGlobalAdmin
	}
	if dept != nil && dept.ID != "" && dept.ID == user.DepartmentID && dept.HasAdmin(user.Email) {
		return domain.RoleDeptAdmin
	}
	return domain.RoleMember
}

// ResolveActingSubject decides whose record a write by actor affects. A nil target, or one
// naming the actor, resolves to the actor.
func ResolveActingSubject(actor domain.Principal, target *domain.User) (domain.ActingSubject, error) {
	actorEmail := actor.Email()
	if actorEmail == "" {
		return domain.ActingSubject{}, authorizationError("no active user")
	}
	if target == nil || domain.NormalizeEmail(target.Email) == actorEmail {
		return domain.ActingSubject{Owner: actor.User, ActorEmail: actorEmail}, nil
	}

	switch actor.Role {
	case domain.RoleGlobalAdmin:
	case domain.RoleDeptAdmin:
		if actor.User.DepartmentID == "" || target.DepartmentID != actor.User.DepartmentID {
			return domain.ActingSubject{}, authorizationError("you can only act for users of your department")
		}
	default:
		return domain.ActingSubject{}, authorizationError("you can only act for yourself")
	}
	return domain.ActingSubject{Owner: *target, ActorEmail: actorEmail, Impersonated: true}, nil
}

// ResolveVisibilityScope returns the records actor may read.
func ResolveVisibilityScope(actor domain.Principal) domain.Scope {
	switch actor.Role {
	case domain.RoleGlobalAdmin:
		return domain.Scope{Kind: domain.ScopeAll}
	case domain.RoleDeptAdmin:
		return domain.Scope{Kind: domain.ScopeDepartment, DepartmentID: actor.User.DepartmentID}
	default:
		return domain.Scope{Kind: domain.ScopeSelf, Email: actor.Email()}
	}
}

// AccessServiceDeps bundles the dependencies of the access service.
type AccessServiceDeps struct {
	Users       repositories.UserRepository
	Departments repositories.DepartmentRepository
	Settings    SettingsService
}

type accessService struct {
	users       repositories.UserRepository
	departments repositories.DepartmentRepository
	settings    SettingsService
}

// NewAccessService constructs an AccessService.
func NewAccessService(deps AccessServiceDeps) (AccessService, error) {
	if deps.Users == nil {
		return nil, errors.New("access service: user repository is required")
	}
	if deps.Departments == nil {
		return nil, errors.New("access service: department repository is required")
	}
	if deps.Settings == nil {
		return nil, errors.New("access service: settings service is required")
	}
	return &accessService{users: deps.Users, departments: deps.Departments, settings: deps.Settings}, nil
}

func (s *accessService) Principal(ctx context.Context, email string) (domain.Principal, error) {
	key := domain.NormalizeEmail(email)
	if key == "" {
		return domain.Principal{}, authorizationError("no active user")
	}
	user, err := s.users.FindByEmail(ctx, key)
	if err != nil {
		return domain.Principal{}, mapRepositoryError("user", err)
	}
	settings, err := s.settings.Current(ctx)
	if err != nil {
		return domain.Principal{}, err
	}
	dept, err := s.departmentOf(ctx, user)
	if err != nil {
		return domain.Principal{}, err
	}
	return domain.Principal{User: user, Role: ResolveRole(user, dept, settings)}, nil
}

func (s *accessService) ResolveActingSubject(ctx context.Context, actor domain.Principal, targetEmail string) (domain.ActingSubject, error) {
	key := domain.NormalizeEmail(targetEmail)
	if key == "" || key == actor.Email() {
		return ResolveActingSubject(actor, nil)
	}
	if actor.Role == domain.RoleMember {
		return domain.ActingSubject{}, authorizationError("you can only act for yourself")
	}
	target, err := s.users.FindByEmail(ctx, key)
	if err != nil {
		return domain.ActingSubject{}, mapRepositoryError("user", err)
	}
	return ResolveActingSubject(actor, &target)
}

func (s *accessService) Scope(actor domain.Principal) domain.Scope {
	return ResolveVisibilityScope(actor)
}

func (s *accessService) departmentOf(ctx context.Context, user domain.User) (*domain.Department, error) {
	id := strings.TrimSpace(user.DepartmentID)
	if id == "" {
		return nil, nil
	}
	dept, err := s.departments.FindByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, mapRepositoryError("department", err)
	}
	return &dept, nil
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
