package services

import (
	"context"
	"errors"
	"maps"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/repositories"
)

var (
	preferenceKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,40}$`)
	employeeCodePattern  = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)
)

const (
	maxUserNameLength = 120

	auditActionUserSave       = "user.save"
	auditActionUserActivate   = "user.activate"
	auditActionUserDelete     = "user.delete"
	auditActionUserDeactivate = "user.deactivate"
	auditActionPreferenceSet  = "user.preference.set"
)

// UserServiceDeps bundles the dependencies required to construct a user service instance.
type UserServiceDeps struct {
	Users       repositories.UserRepository
	Departments repositories.DepartmentRepository
	Orders      repositories.OrderRepository
	Access      AccessService
	Settings    SettingsService
	Notifier    Notifier
	AppURL      string
	Audit       AuditLogService
	Clock       func() time.Time
	Logger      Logger
}

type userService struct {
	users       repositories.UserRepository
	departments repositories.DepartmentRepository
	orders      repositories.OrderRepository
	access      AccessService
	settings    SettingsService
	notify      *notificationDispatcher
	audit       AuditLogService
	clock       func() time.Time
	logger      Logger
}

// NewUserService wires dependencies into a concrete UserService implementation.
func NewUserService(deps UserServiceDeps) (UserService, error) {
	switch {
	case deps.Users == nil:
		return nil, errors.New("user service: user repository is required")
	case deps.Departments == nil:
		return nil, errors.New("user service: department repository is required")
	case deps.Orders == nil:
		return nil, errors.New("user service: order repository is required")
	case deps.Access == nil:
		return nil, errors.New("user service: access service is required")
	case deps.Settings == nil:
		return nil, errors.New("user service: settings service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &userService{
		users:       deps.Users,
		departments: deps.Departments,
		orders:      deps.Orders,
		access:      deps.Access,
		settings:    deps.Settings,
		notify:      newNotificationDispatcher(deps.Notifier, deps.Settings, deps.AppURL),
		audit:       deps.Audit,
		clock:       func() time.Time { return clock().UTC() },
		logger:      logger,
	}, nil
}

func (s *userService) RequestAccess(ctx context.Context, cmd AccessRequestCommand) (domain.User, error) {
	email, err := validateEmail(cmd.Email)
	if err != nil {
		return domain.User{}, err
	}
	name, err := validateUserName(cmd.Name)
	if err != nil {
		return domain.User{}, err
	}

	existing, err := s.users.FindByEmail(ctx, email)
	switch {
	case err == nil:
		if existing.Status == domain.UserStatusPending {
			return existing, nil
		}
		return domain.User{}, &KindError{Kind: ErrConflict, Message: "this email is already registered"}
	case !isNotFound(err):
		return domain.User{}, mapRepositoryError("user", err)
	}

	deptID := strings.TrimSpace(cmd.DepartmentID)
	if err := s.ensureDepartment(ctx, deptID); err != nil {
		return domain.User{}, err
	}
	code, err := s.ensureUniqueCode(ctx, cmd.Code, email)
	if err != nil {
		return domain.User{}, err
	}

	now := s.clock()
	user := domain.User{
		Email:        email,
		Name:         name,
		DepartmentID: deptID,
		Role:         domain.RoleMember,
		Status:       domain.UserStatusPending,
		Code:         code,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Upsert(ctx, user); err != nil {
		return domain.User{}, mapRepositoryError("user", err)
	}

	if settings, err := s.settings.Current(ctx); err == nil && len(settings.AdminEmails) > 0 {
		s.sendBestEffort(ctx, Notification{
			To:      settings.AdminEmails,
			Subject: "Nueva solicitud de acceso",
			Body:    "**" + markdownEscape(name) + "** (" + email + ") solicitó acceso.\n",
		})
	}
	return user, nil
}

func (s *userService) List(ctx context.Context, actor domain.Principal, filter UserListFilter) ([]domain.User, error) {
	scope, err := adminScope(actor)
	if err != nil {
		return nil, err
	}
	repoFilter := repositories.UserFilter{DepartmentID: strings.TrimSpace(filter.DepartmentID), Status: filter.Status}
	if scope.Kind == domain.ScopeDepartment {
		if repoFilter.DepartmentID != "" && repoFilter.DepartmentID != scope.DepartmentID {
			return nil, authorizationError("you can only list users of your department")
		}
		repoFilter.DepartmentID = scope.DepartmentID
	}
	users, err := s.users.List(ctx, repoFilter)
	if err != nil {
		return nil, mapRepositoryError("users", err)
	}
	return users, nil
}

func (s *userService) Save(ctx context.Context, cmd SaveUserCommand) (domain.User, error) {
	scope, err := adminScope(cmd.Actor)
	if err != nil {
		return domain.User{}, err
	}
	email, err := validateEmail(cmd.Email)
	if err != nil {
		return domain.User{}, err
	}
	name, err := validateUserName(cmd.Name)
	if err != nil {
		return domain.User{}, err
	}
	deptID := strings.TrimSpace(cmd.DepartmentID)
	role := domain.RoleMember
	if strings.TrimSpace(string(cmd.Role)) != "" {
		role = domain.ParseRole(string(cmd.Role))
	}
	switch role {
	case domain.RoleDeptAdmin:
		return domain.User{}, validationError("department administrators are assigned on the department")
	case domain.RoleGlobalAdmin:
		if scope.Kind != domain.ScopeAll {
			return domain.User{}, authorizationError("only global administrators may grant the global role")
		}
	}
	status := cmd.Status
	if status == "" {
		status = domain.UserStatusActive
	}
	if !validUserStatus(status) {
		return domain.User{}, validationError("unknown status %q", status)
	}

	existing, err := s.users.FindByEmail(ctx, email)
	found := err == nil
	if err != nil && !isNotFound(err) {
		return domain.User{}, mapRepositoryError("user", err)
	}
	if scope.Kind == domain.ScopeDepartment {
		if deptID != scope.DepartmentID || (found && existing.DepartmentID != scope.DepartmentID) {
			return domain.User{}, authorizationError("you can only manage users of your department")
		}
		if found {
			if err := s.guardGlobalAdmin(ctx, existing); err != nil {
				return domain.User{}, err
			}
		}
	}
	if err := s.ensureDepartment(ctx, deptID); err != nil {
		return domain.User{}, err
	}
	code, err := s.ensureUniqueCode(ctx, cmd.Code, email)
	if err != nil {
		return domain.User{}, err
	}

	now := s.clock()
	user := existing
	if !found {
		user = domain.User{Email: email, CreatedAt: now}
	}
	before := user
	user.Name = name
	user.DepartmentID = deptID
	user.Role = role
	user.Status = status
	user.Code = code
	user.UpdatedAt = now
	if err := s.users.Upsert(ctx, user); err != nil {
		return domain.User{}, mapRepositoryError("user", err)
	}

	if s.audit != nil {
		diff := map[string]AuditLogDiff{}
		addDiff(diff, "name", before.Name, user.Name)
		addDiff(diff, "departmentId", before.DepartmentID, user.DepartmentID)
		addDiff(diff, "role", string(before.Role), string(user.Role))
		addDiff(diff, "status", string(before.Status), string(user.Status))
		addDiff(diff, "code", before.Code, user.Code)
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     cmd.Actor.Email(),
			Action:    auditActionUserSave,
			TargetRef: "users/" + email,
			Diff:      diff,
			Metadata:  map[string]any{"created": !found},
		})
	}
	return user, nil
}

func (s *userService) Activate(ctx context.Context, cmd ActivateUserCommand) (domain.User, error) {
	user, err := s.loadInScope(ctx, cmd.Actor, cmd.Email)
	if err != nil {
		return domain.User{}, err
	}
	if user.Status == domain.UserStatusActive {
		return user, nil
	}
	prev := user.Status
	user.Status = domain.UserStatusActive
	user.UpdatedAt = s.clock()
	if err := s.users.Upsert(ctx, user); err != nil {
		return domain.User{}, mapRepositoryError("user", err)
	}

	if s.notify != nil {
		settings, err := s.settings.Current(ctx)
		if err == nil {
			s.sendBestEffort(ctx, activationMessage(user, settings.AppTitle, s.notify.appURL))
		}
	}
	if s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     cmd.Actor.Email(),
			Action:    auditActionUserActivate,
			TargetRef: "users/" + user.Email,
			Diff:      map[string]AuditLogDiff{"status": {Before: string(prev), After: string(user.Status)}},
		})
	}
	return user, nil
}

func (s *userService) Delete(ctx context.Context, cmd DeleteUserCommand) (UserDeletion, error) {
	user, err := s.loadInScope(ctx, cmd.Actor, cmd.Email)
	if err != nil {
		return UserDeletion{}, err
	}
	if user.Email == cmd.Actor.Email() {
		return UserDeletion{}, validationError("you cannot delete your own account")
	}

	hasOrders, err := s.orders.HasOrders(ctx, user.Email)
	if err != nil {
		return UserDeletion{}, mapRepositoryError("orders", err)
	}
	result := UserDeletion{Email: user.Email, Deactivated: hasOrders}
	action := auditActionUserDelete
	if hasOrders {
		user.Status = domain.UserStatusInactive
		user.UpdatedAt = s.clock()
		if err := s.users.Upsert(ctx, user); err != nil {
			return UserDeletion{}, mapRepositoryError("user", err)
		}
		action = auditActionUserDeactivate
	} else if err := s.users.Delete(ctx, user.Email); err != nil {
		return UserDeletion{}, mapRepositoryError("user", err)
	}

	if s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     cmd.Actor.Email(),
			Action:    action,
			TargetRef: "users/" + user.Email,
			Severity:  "warn",
		})
	}
	return result, nil
}

func (s *userService) SetPreference(ctx context.Context, cmd SetPreferenceCommand) (map[string]any, error) {
	key := strings.TrimSpace(cmd.Key)
	if !preferenceKeyPattern.MatchString(key) {
		return nil, validationError("invalid preference key %q", cmd.Key)
	}
	subject, err := s.access.ResolveActingSubject(ctx, cmd.Actor, cmd.TargetEmail)
	if err != nil {
		return nil, err
	}

	// Reload so concurrent preference writes by the owner are not lost.
	user, err := s.users.FindByEmail(ctx, subject.Owner.Email)
	if err != nil {
		return nil, mapRepositoryError("user", err)
	}
	prefs := maps.Clone(user.Preferences)
	if prefs == nil {
		prefs = map[string]any{}
	}
	before, had := prefs[key]
	if cmd.Value == nil {
		delete(prefs, key)
	} else {
		prefs[key] = cmd.Value
	}
	user.Preferences = prefs
	user.UpdatedAt = s.clock()
	if err := s.users.Upsert(ctx, user); err != nil {
		return nil, mapRepositoryError("user", err)
	}

	if subject.Impersonated && s.audit != nil {
		var prev any
		if had {
			prev = before
		}
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     subject.ActorEmail,
			Action:    auditActionPreferenceSet,
			TargetRef: "users/" + user.Email,
			Diff:      map[string]AuditLogDiff{key: {Before: prev, After: cmd.Value}},
		})
	}
	return prefs, nil
}

func (s *userService) loadInScope(ctx context.Context, actor domain.Principal, email string) (domain.User, error) {
	scope, err := adminScope(actor)
	if err != nil {
		return domain.User{}, err
	}
	key := domain.NormalizeEmail(email)
	if key == "" {
		return domain.User{}, validationError("email is required")
	}
	user, err := s.users.FindByEmail(ctx, key)
	if err != nil {
		return domain.User{}, mapRepositoryError("user", err)
	}
	if !scope.Allows(user.Email, user.DepartmentID) {
		return domain.User{}, authorizationError("you can only manage users of your department")
	}
	if scope.Kind == domain.ScopeDepartment {
		if err := s.guardGlobalAdmin(ctx, user); err != nil {
			return domain.User{}, err
		}
	}
	return user, nil
}

// guardGlobalAdmin rejects department-scoped changes to a user whose effective role is global
// administrator, whether stored on the user or granted through ADMIN_EMAILS.
func (s *userService) guardGlobalAdmin(ctx context.Context, user domain.User) error {
	settings, err := s.settings.Current(ctx)
	if err != nil {
		return err
	}
	var dept *domain.Department
	if id := strings.TrimSpace(user.DepartmentID); id != "" {
		found, err := s.departments.FindByID(ctx, id)
		switch {
		case err == nil:
			dept = &found
		case !isNotFound(err):
			return mapRepositoryError("department", err)
		}
	}
	if ResolveRole(user, dept, settings) == domain.RoleGlobalAdmin {
		return authorizationError("you cannot modify a global administrator")
	}
	return nil
}

func (s *userService) ensureDepartment(ctx context.Context, id string) error {
	if id == "" {
		return validationError("department is required")
	}
	if _, err := s.departments.FindByID(ctx, id); err != nil {
		if isNotFound(err) {
			return validationError("unknown department %q", id)
		}
		return mapRepositoryError("department", err)
	}
	return nil
}

// ensureUniqueCode returns the normalised employee code, rejecting codes held by another user.
func (s *userService) ensureUniqueCode(ctx context.Context, raw, email string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" {
		return "", nil
	}
	if !employeeCodePattern.MatchString(code) {
		return "", validationError("invalid employee code %q", raw)
	}
	holder, err := s.users.FindByCode(ctx, code)
	switch {
	case err == nil:
		if holder.Email != email {
			return "", &KindError{Kind: ErrConflict, Message: "employee code already assigned to another user"}
		}
	case !isNotFound(err):
		return "", mapRepositoryError("user", err)
	}
	return code, nil
}

func (s *userService) sendBestEffort(ctx context.Context, n Notification) {
	if err := s.notify.send(ctx, n); err != nil {
		s.logger(ctx, "notification.failed", map[string]any{"subject": n.Subject, "error": err.Error()})
	}
}

// adminScope returns the scope of actor, rejecting members.
func adminScope(actor domain.Principal) (domain.Scope, error) {
	if actor.Role.Rank() < domain.RoleDeptAdmin.Rank() {
		return domain.Scope{}, authorizationError("administrator role required")
	}
	return ResolveVisibilityScope(actor), nil
}

func validateEmail(raw string) (string, error) {
	email := domain.NormalizeEmail(raw)
	if email == "" {
		return "", validationError("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", validationError("invalid email %q", raw)
	}
	return email, nil
}

func validateUserName(raw string) (string, error) {
	name := strings.Join(strings.Fields(raw), " ")
	if name == "" {
		return "", validationError("name is required")
	}
	if utf8.RuneCountInString(name) > maxUserNameLength {
		return "", validationError("name is too long")
	}
	return name, nil
}

func validUserStatus(status domain.UserStatus) bool {
	switch status {
	case domain.UserStatusPending, domain.UserStatusActive, domain.UserStatusInactive:
		return true
	}
	return false
}

func addDiff(diff map[string]AuditLogDiff, field string, before, after string) {
	if before != after {
		diff[field] = AuditLogDiff{Before: before, After: after}
	}
}
