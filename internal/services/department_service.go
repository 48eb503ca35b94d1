package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/platform/textutil"
	"github.com/lunchdesk/api/internal/repositories"
)

const (
	maxDepartmentNameLength = 80

	auditActionDepartmentSave   = "department.save"
	auditActionDepartmentDelete = "department.delete"
)

// DepartmentServiceDeps bundles the dependencies of the department service.
type DepartmentServiceDeps struct {
	Departments repositories.DepartmentRepository
	Users       repositories.UserRepository
	Audit       AuditLogService
	Clock       func() time.Time
	Logger      Logger
}

type departmentService struct {
	departments repositories.DepartmentRepository
	users       repositories.UserRepository
	audit       AuditLogService
	clock       func() time.Time
	logger      Logger
}

// NewDepartmentService constructs a DepartmentService.
func NewDepartmentService(deps DepartmentServiceDeps) (DepartmentService, error) {
	if deps.Departments == nil {
		return nil, errors.New("department service: department repository is required")
	}
	if deps.Users == nil {
		return nil, errors.New("department service: user repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &departmentService{
		departments: deps.Departments,
		users:       deps.Users,
		audit:       deps.Audit,
		clock:       func() time.Time { return clock().UTC() },
		logger:      logger,
	}, nil
}

func (s *departmentService) List(ctx context.Context) ([]domain.Department, error) {
	depts, err := s.departments.List(ctx)
	if err != nil {
		return nil, mapRepositoryError("departments", err)
	}
	slices.SortFunc(depts, func(a, b domain.Department) int {
		return strings.Compare(textutil.FoldKey(a.Name), textutil.FoldKey(b.Name))
	})
	return depts, nil
}

// Save creates or updates a department. Every listed administrator is removed from the
// administrator list of any other department in the same write.
func (s *departmentService) Save(ctx context.Context, cmd SaveDepartmentCommand) (domain.Department, error) {
	if cmd.Actor.Role != domain.RoleGlobalAdmin {
		return domain.Department{}, authorizationError("only global administrators may manage departments")
	}
	name := textutil.PlainText(cmd.Name)
	if name == "" {
		return domain.Department{}, validationError("department name is required")
	}
	if len([]rune(name)) > maxDepartmentNameLength {
		return domain.Department{}, validationError("department name is too long")
	}
	status := cmd.Status
	if status == "" {
		status = domain.DepartmentStatusActive
	}
	if status != domain.DepartmentStatusActive && status != domain.DepartmentStatusInactive {
		return domain.Department{}, validationError("unknown status %q", status)
	}
	admins, err := normalizeAdminEmails(cmd.AdminEmails)
	if err != nil {
		return domain.Department{}, err
	}

	id := strings.TrimSpace(cmd.ID)
	creating := id == ""
	if creating {
		id = textutil.Slug(name)
		if id == "" {
			return domain.Department{}, validationError("department name must contain letters or digits")
		}
	}

	existing, err := s.departments.List(ctx)
	if err != nil {
		return domain.Department{}, mapRepositoryError("departments", err)
	}
	var before domain.Department
	found := false
	key := textutil.FoldKey(name)
	for _, dept := range existing {
		if dept.ID == id {
			if creating {
				return domain.Department{}, &KindError{Kind: ErrConflict, Message: "a department with this name already exists"}
			}
			before, found = dept, true
			continue
		}
		if textutil.FoldKey(dept.Name) == key {
			return domain.Department{}, &KindError{Kind: ErrConflict, Message: "a department with this name already exists"}
		}
	}
	if !creating && !found {
		return domain.Department{}, notFoundError("department %q not found", id)
	}

	dept := before
	dept.ID = id
	dept.Name = name
	dept.AdminEmails = admins
	dept.Status = status
	dept.UpdatedAt = s.clock()

	changed, err := s.departments.SaveExclusive(ctx, dept)
	if err != nil {
		return domain.Department{}, mapRepositoryError("department", err)
	}
	s.warnForeignAdmins(ctx, dept)

	if s.audit != nil {
		diff := map[string]AuditLogDiff{}
		addDiff(diff, "name", before.Name, dept.Name)
		addDiff(diff, "status", string(before.Status), string(dept.Status))
		addDiff(diff, "adminEmails", strings.Join(before.AdminEmails, ","), strings.Join(dept.AdminEmails, ","))
		moved := make([]string, 0, len(changed))
		for _, other := range changed {
			moved = append(moved, other.ID)
		}
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     cmd.Actor.Email(),
			Action:    auditActionDepartmentSave,
			TargetRef: "departments/" + id,
			Diff:      diff,
			Metadata:  map[string]any{"created": creating, "adminsRemovedFrom": moved},
		})
	}
	return dept, nil
}

func (s *departmentService) Delete(ctx context.Context, cmd DeleteDepartmentCommand) error {
	if cmd.Actor.Role != domain.RoleGlobalAdmin {
		return authorizationError("only global administrators may manage departments")
	}
	id := strings.TrimSpace(cmd.ID)
	if id == "" {
		return validationError("department id is required")
	}
	if _, err := s.departments.FindByID(ctx, id); err != nil {
		return mapRepositoryError("department", err)
	}
	members, err := s.users.List(ctx, repositories.UserFilter{DepartmentID: id})
	if err != nil {
		return mapRepositoryError("users", err)
	}
	if len(members) > 0 {
		return &KindError{Kind: ErrConflict, Message: "the department still has users assigned"}
	}
	if err := s.departments.Delete(ctx, id); err != nil {
		return mapRepositoryError("department", err)
	}
	if s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     cmd.Actor.Email(),
			Action:    auditActionDepartmentDelete,
			TargetRef: "departments/" + id,
			Severity:  "warn",
		})
	}
	return nil
}

// warnForeignAdmins logs administrators whose own department differs, since the role only
// applies to members of the department they administer.
func (s *departmentService) warnForeignAdmins(ctx context.Context, dept domain.Department) {
	for _, email := range dept.AdminEmails {
		user, err := s.users.FindByEmail(ctx, email)
		if err != nil {
			if !isNotFound(err) {
				s.logger(ctx, "department.admin_lookup_failed", map[string]any{"department": dept.ID, "email": email, "error": err.Error()})
				continue
			}
			s.logger(ctx, "department.admin_unknown", map[string]any{"department": dept.ID, "email": email})
			continue
		}
		if user.DepartmentID != dept.ID {
			s.logger(ctx, "department.admin_foreign", map[string]any{"department": dept.ID, "email": email, "userDepartment": user.DepartmentID})
		}
	}
}

func normalizeAdminEmails(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		email, err := validateEmail(entry)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(out, email) {
			out = append(out, email)
		}
	}
	return out, nil
}
