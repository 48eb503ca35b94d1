package services

import (
	"strings"

	"golang.org/x/text/cases"

	domain "github.com/lunchdesk/api/internal/domain"
)

// StapleItem must accompany any Grains selection.
const StapleItem = "white rice"

// stapleAliases are item names that count as the staple in menus written in Spanish.
var stapleAliases = []string{StapleItem, "arroz blanco"}

// ValidateSelection checks a proposed selection against the menu combination rules. It is pure
// and never touches the store.
func ValidateSelection(sel domain.Selection) error {
	if len(sel.Categories) == 0 {
		return validationError("select at least one dish")
	}
	present := make(map[domain.MenuCategory]struct{}, len(sel.Categories))
	hasSpecial := false
	for _, category := range sel.Categories {
		parsed, ok := domain.ParseMenuCategory(string(category))
		if !ok {
			return validationError("unknown category %q", category)
		}
		present[parsed] = struct{}{}
		if parsed.IsSpecial() {
			hasSpecial = true
		}
	}

	if hasSpecial && len(sel.Categories) > 1 {
		for category := range present {
			if !category.IsSpecial() {
				return validationError("special dishes cannot be combined with the regular menu")
			}
		}
	}

	if _, ok := present[domain.CategoryGrains]; ok && !containsStaple(sel.Items) {
		return validationError("grains must be served with white rice")
	}

	_, hasRice := present[domain.CategoryRice]
	_, hasStarches := present[domain.CategoryStarches]
	if hasRice && hasStarches {
		return validationError("rice and starches cannot be combined")
	}

	return nil
}

// NormalizeSelection resolves category aliases and trims item names.
func NormalizeSelection(sel domain.Selection) domain.Selection {
	out := domain.Selection{
		Categories: make([]domain.MenuCategory, 0, len(sel.Categories)),
		Items:      make([]string, 0, len(sel.Items)),
	}
	for _, category := range sel.Categories {
		if parsed, ok := domain.ParseMenuCategory(string(category)); ok {
			category = parsed
		}
		out.Categories = append(out.Categories, category)
	}
	for _, item := range sel.Items {
		out.Items = append(out.Items, strings.TrimSpace(item))
	}
	return out
}

func containsStaple(items []string) bool {
	for _, alias := range stapleAliases {
		if containsFold(items, alias) {
			return true
		}
	}
	return false
}

func containsFold(values []string, needle string) bool {
	fold := cases.Fold()
	target := fold.String(needle)
	for _, value := range values {
		if strings.Contains(fold.String(value), target) {
			return true
		}
	}
	return false
}
