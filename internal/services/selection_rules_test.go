package services

import (
	"errors"
	"testing"

	domain "github.com/lunchdesk/api/internal/domain"
)

func sel(pairs ...string) domain.Selection {
	var s domain.Selection
	for i := 0; i+1 < len(pairs); i += 2 {
		s.Categories = append(s.Categories, domain.MenuCategory(pairs[i]))
		s.Items = append(s.Items, pairs[i+1])
	}
	return s
}

func TestValidateSelection(t *testing.T) {
	cases := []struct {
		name    string
		input   domain.Selection
		wantErr bool
	}{
		{name: "grains with white rice", input: sel("Grains", "Red Beans", "Rice", "White Rice")},
		{name: "grains without white rice", input: sel("Grains", "Red Beans"), wantErr: true},
		{name: "staple match ignores case", input: sel("Grains", "Red Beans", "Rice", "WHITE rice with corn")},
		{name: "rice with starches", input: sel("Rice", "White Rice", "Starches", "Cassava"), wantErr: true},
		{name: "soup with rice", input: sel("Soup", "Sancocho", "Rice", "White Rice"), wantErr: true},
		{name: "duplicate special", input: sel("Soup", "Sancocho", "Soup", "Chicken Soup")},
		{name: "two specials", input: sel("Vegetarian", "Eggplant", "QuickOption", "Sandwich")},
		{name: "single special", input: sel("QuickOption", "Sandwich")},
		{name: "regular combination", input: sel("Rice", "White Rice", "Meat", "Baked Chicken", "Salads", "Green Salad")},
		{name: "empty", input: domain.Selection{}, wantErr: true},
		{name: "unknown category", input: sel("Dessert", "Flan"), wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSelection(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected validation error")
				}
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateSelectionCategoriesOnly(t *testing.T) {
	if err := ValidateSelection(domain.Selection{Categories: []domain.MenuCategory{"Rice", "Starches"}}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for rice with starches, got %v", err)
	}
	if err := ValidateSelection(domain.Selection{Categories: []domain.MenuCategory{"Soup", "Soup"}}); err != nil {
		t.Fatalf("expected duplicate special to be valid, got %v", err)
	}
	if err := ValidateSelection(domain.Selection{Categories: []domain.MenuCategory{"Soup", "Rice"}}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for soup with rice, got %v", err)
	}
}

func TestNormalizeSelectionResolvesLegacyNames(t *testing.T) {
	got := NormalizeSelection(domain.Selection{
		Categories: []domain.MenuCategory{"Arroces", "granos"},
		Items:      []string{" Arroz Blanco ", "Habichuelas"},
	})
	if got.Categories[0] != domain.CategoryRice || got.Categories[1] != domain.CategoryGrains {
		t.Fatalf("unexpected categories %v", got.Categories)
	}
	if got.Items[0] != "Arroz Blanco" {
		t.Fatalf("expected trimmed item, got %q", got.Items[0])
	}
}
