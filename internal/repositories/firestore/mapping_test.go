package firestore

import (
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/require"

	domain "github.com/lunchdesk/api/internal/domain"
	pfirestore "github.com/lunchdesk/api/internal/platform/firestore"
)

func TestSlotIDNormalisesOwner(t *testing.T) {
	date := civil.Date{Year: 2026, Month: 3, Day: 4}
	require.Equal(t, "ana@example.com|2026-03-04", slotID("  Ana@Example.com ", date))
}

func TestOrderDocumentRoundTripKeepsSelection(t *testing.T) {
	requested := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	order := domain.Order{
		ID:           "01HX",
		RequestedAt:  requested,
		Date:         civil.Date{Year: 2026, Month: 3, Day: 4},
		OwnerEmail:   "ana@example.com",
		OwnerName:    "Ana",
		DepartmentID: "ops",
		Summary:      "Arroz, Pollo",
		Selection: domain.Selection{
			Categories: []domain.MenuCategory{domain.CategoryRice, domain.CategoryMeat},
			Items:      []string{"Arroz", "Pollo"},
		},
		Status: domain.OrderStatusActive,
	}

	got := toDomainOrder(pfirestore.Document[orderDocument]{ID: order.ID, Data: fromDomainOrder(order)})
	require.Equal(t, order, got)
}

func TestOrderDocumentLegacyCategoriesAndDefaults(t *testing.T) {
	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	got := toDomainOrder(pfirestore.Document[orderDocument]{
		ID:         "x",
		CreateTime: created,
		Data: orderDocument{
			Date:       "2026-03-02",
			OwnerEmail: "Ana@Example.com",
			Categories: []string{"arroces", " unknown "},
			Items:      []string{"Arroz", "Flan"},
		},
	})
	require.Equal(t, []domain.MenuCategory{domain.CategoryRice, "unknown"}, got.Selection.Categories)
	require.Len(t, got.Selection.Items, len(got.Selection.Categories))
	require.Equal(t, created, got.RequestedAt)
	require.Equal(t, domain.OrderStatusActive, got.Status)
	require.Equal(t, "ana@example.com", got.OwnerEmail)
}

func TestSettingDocumentKinds(t *testing.T) {
	clock := time.Date(1899, 12, 30, 10, 30, 0, 0, time.UTC)
	cases := []domain.SettingValue{
		domain.TextValue("10:30"),
		domain.ClockValue(clock),
		domain.NumberValue(20),
	}
	for _, value := range cases {
		t.Run(string(value.Kind), func(t *testing.T) {
			doc := settingDocument{Key: "HORA_ENVIO", Kind: string(value.Kind), Text: value.Text, Number: value.Number}
			if value.Kind == domain.SettingKindClock {
				doc.Clock = &clock
			}
			got := toDomainSetting(pfirestore.Document[settingDocument]{ID: "HORA_ENVIO", Data: doc})
			require.Equal(t, value, got.Value)
			require.Equal(t, "HORA_ENVIO", got.Key)
		})
	}
}

func TestDateKeyIsLexicallyOrdered(t *testing.T) {
	a := dateKey(civil.Date{Year: 2026, Month: 3, Day: 9})
	b := dateKey(civil.Date{Year: 2026, Month: 3, Day: 10})
	require.Less(t, a, b)
	require.Equal(t, civil.Date{}, parseDateKey("not a date"))
}
