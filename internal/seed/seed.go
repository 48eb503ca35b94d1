// Package seed loads a bootstrap data set (settings, departments, users, holidays and menu) from
// YAML and writes it through the repository registry.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	domain "github.com/lunchdesk/api/internal/domain"
	"github.com/lunchdesk/api/internal/repositories"
)

// File is the decoded seed document.
type File struct {
	Settings    map[string]string `yaml:"settings"`
	Departments []Department      `yaml:"departments"`
	Users       []User            `yaml:"users"`
	Holidays    []Holiday         `yaml:"holidays"`
	Menu        []MenuItem        `yaml:"menu"`
}

type Department struct {
	ID     string   `yaml:"id"`
	Name   string   `yaml:"name"`
	Admins []string `yaml:"admins"`
	Status string   `yaml:"status"`
}

type User struct {
	Email      string `yaml:"email"`
	Name       string `yaml:"name"`
	Department string `yaml:"department"`
	Role       string `yaml:"role"`
	Status     string `yaml:"status"`
	Code       string `yaml:"code"`
}

type Holiday struct {
	Date   string `yaml:"date"`
	Reason string `yaml:"reason"`
}

// MenuItem is one dish. A nil Enabled means enabled.
type MenuItem struct {
	Date        string `yaml:"date"`
	Category    string `yaml:"category"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Enabled     *bool  `yaml:"enabled"`
}

// Result counts the records written by Apply.
type Result struct {
	Settings    int
	Departments int
	Users       int
	Holidays    int
	MenuItems   int
}

// Parse decodes and validates a seed document. Unknown keys are rejected.
func Parse(r io.Reader) (File, error) {
	var file File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return File{}, errors.New("seed: document is empty")
		}
		return File{}, fmt.Errorf("seed: decode: %w", err)
	}
	if err := file.Validate(); err != nil {
		return File{}, err
	}
	return file, nil
}

// Validate checks references and formats without touching storage.
func (f File) Validate() error {
	var problems []string
	departments := make(map[string]struct{}, len(f.Departments))
	for i, dept := range f.Departments {
		id := strings.TrimSpace(dept.ID)
		if id == "" {
			problems = append(problems, fmt.Sprintf("departments[%d]: id is required", i))
			continue
		}
		if _, dup := departments[id]; dup {
			problems = append(problems, fmt.Sprintf("departments[%d]: duplicate id %q", i, id))
		}
		departments[id] = struct{}{}
	}

	emails := make(map[string]struct{}, len(f.Users))
	for i, user := range f.Users {
		email := domain.NormalizeEmail(user.Email)
		switch {
		case email == "" || !strings.Contains(email, "@"):
			problems = append(problems, fmt.Sprintf("users[%d]: invalid email %q", i, user.Email))
		case user.Department != "":
			if _, ok := departments[strings.TrimSpace(user.Department)]; !ok {
				problems = append(problems, fmt.Sprintf("users[%d]: unknown department %q", i, user.Department))
			}
		}
		if _, dup := emails[email]; dup && email != "" {
			problems = append(problems, fmt.Sprintf("users[%d]: duplicate email %q", i, email))
		}
		emails[email] = struct{}{}
		if user.Status != "" && !validUserStatus(user.Status) {
			problems = append(problems, fmt.Sprintf("users[%d]: unknown status %q", i, user.Status))
		}
	}

	for i, h := range f.Holidays {
		if _, err := civil.ParseDate(strings.TrimSpace(h.Date)); err != nil {
			problems = append(problems, fmt.Sprintf("holidays[%d]: invalid date %q", i, h.Date))
		}
	}

	for i, item := range f.Menu {
		if _, err := civil.ParseDate(strings.TrimSpace(item.Date)); err != nil {
			problems = append(problems, fmt.Sprintf("menu[%d]: invalid date %q", i, item.Date))
		}
		if _, ok := domain.ParseMenuCategory(item.Category); !ok {
			problems = append(problems, fmt.Sprintf("menu[%d]: unknown category %q", i, item.Category))
		}
		if strings.TrimSpace(item.Name) == "" {
			problems = append(problems, fmt.Sprintf("menu[%d]: name is required", i))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("seed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Apply writes f through reg. Every date that appears in the menu section is replaced as a whole
// so that re-running the same file does not duplicate dishes.
func Apply(ctx context.Context, reg repositories.Registry, f File, now time.Time) (Result, error) {
	var res Result
	if reg == nil {
		return res, errors.New("seed: registry is required")
	}
	now = now.UTC()

	keys := make([]string, 0, len(f.Settings))
	for key := range f.Settings {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		setting := domain.ConfigSetting{
			Key:       strings.TrimSpace(key),
			Value:     domain.TextValue(f.Settings[key]),
			UpdatedAt: now,
		}
		if err := reg.Settings().Upsert(ctx, setting); err != nil {
			return res, fmt.Errorf("seed: setting %s: %w", key, err)
		}
		res.Settings++
	}

	for _, dept := range f.Departments {
		status := domain.DepartmentStatusActive
		if strings.EqualFold(strings.TrimSpace(dept.Status), string(domain.DepartmentStatusInactive)) {
			status = domain.DepartmentStatusInactive
		}
		name := strings.TrimSpace(dept.Name)
		if name == "" {
			name = strings.TrimSpace(dept.ID)
		}
		admins := make([]string, 0, len(dept.Admins))
		for _, admin := range dept.Admins {
			if email := domain.NormalizeEmail(admin); email != "" {
				admins = append(admins, email)
			}
		}
		if _, err := reg.Departments().SaveExclusive(ctx, domain.Department{
			ID:          strings.TrimSpace(dept.ID),
			Name:        name,
			AdminEmails: admins,
			Status:      status,
			UpdatedAt:   now,
		}); err != nil {
			return res, fmt.Errorf("seed: department %s: %w", dept.ID, err)
		}
		res.Departments++
	}

	for _, user := range f.Users {
		status := domain.UserStatusActive
		if user.Status != "" {
			status = domain.UserStatus(strings.ToUpper(strings.TrimSpace(user.Status)))
		}
		if err := reg.Users().Upsert(ctx, domain.User{
			Email:        domain.NormalizeEmail(user.Email),
			Name:         strings.TrimSpace(user.Name),
			DepartmentID: strings.TrimSpace(user.Department),
			Role:         domain.ParseRole(user.Role),
			Status:       status,
			Code:         strings.TrimSpace(user.Code),
			CreatedAt:    now,
			UpdatedAt:    now,
		}); err != nil {
			return res, fmt.Errorf("seed: user %s: %w", user.Email, err)
		}
		res.Users++
	}

	for _, h := range f.Holidays {
		date, _ := civil.ParseDate(strings.TrimSpace(h.Date))
		if err := reg.Holidays().Upsert(ctx, domain.Holiday{Date: date, Reason: strings.TrimSpace(h.Reason)}); err != nil {
			return res, fmt.Errorf("seed: holiday %s: %w", h.Date, err)
		}
		res.Holidays++
	}

	if len(f.Menu) > 0 {
		items := make([]domain.MenuItem, 0, len(f.Menu))
		var dates []civil.Date
		seen := make(map[civil.Date]struct{})
		for _, item := range f.Menu {
			date, _ := civil.ParseDate(strings.TrimSpace(item.Date))
			category, _ := domain.ParseMenuCategory(item.Category)
			if _, ok := seen[date]; !ok {
				seen[date] = struct{}{}
				dates = append(dates, date)
			}
			enabled := item.Enabled == nil || *item.Enabled
			items = append(items, domain.MenuItem{
				ID:          ulid.Make().String(),
				Date:        date,
				Category:    category,
				Name:        strings.TrimSpace(item.Name),
				Description: strings.TrimSpace(item.Description),
				Enabled:     enabled,
				UpdatedAt:   now,
			})
		}
		if err := reg.Menu().ReplaceDates(ctx, dates, items); err != nil {
			return res, fmt.Errorf("seed: menu: %w", err)
		}
		res.MenuItems = len(items)
	}

	return res, nil
}

func validUserStatus(raw string) bool {
	switch domain.UserStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case domain.UserStatusActive, domain.UserStatusPending, domain.UserStatusInactive:
		return true
	default:
		return false
	}
}
