package firestore

import (
	"context"
	"sort"
	"strings"
	"time"

	domain "github.com/lunchdesk/api/internal/domain"
	pfirestore "github.com/lunchdesk/api/internal/platform/firestore"
	"github.com/lunchdesk/api/internal/repositories"
)

// SettingsRepository stores the configuration table, one document per key.
type SettingsRepository struct {
	base *pfirestore.BaseRepository[settingDocument]
}

var _ repositories.SettingsRepository = (*SettingsRepository)(nil)

type settingDocument struct {
	Key         string     `firestore:"key"`
	Kind        string     `firestore:"kind"`
	Text        string     `firestore:"text,omitempty"`
	Clock       *time.Time `firestore:"clock,omitempty"`
	Number      float64    `firestore:"number,omitempty"`
	Description string     `firestore:"description,omitempty"`
	UpdatedAt   time.Time  `firestore:"updatedAt"`
}

// List returns every setting sorted by key.
func (r *SettingsRepository) List(ctx context.Context) ([]domain.ConfigSetting, error) {
	docs, err := r.base.Query(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ConfigSetting, 0, len(docs))
	for _, doc := range docs {
		out = append(out, toDomainSetting(doc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Get loads one setting.
func (r *SettingsRepository) Get(ctx context.Context, key string) (domain.ConfigSetting, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(key))
	if err != nil {
		return domain.ConfigSetting{}, err
	}
	return toDomainSetting(doc), nil
}

// Upsert writes the setting.
func (r *SettingsRepository) Upsert(ctx context.Context, setting domain.ConfigSetting) error {
	key := strings.TrimSpace(setting.Key)
	if key == "" {
		return pfirestore.Conflict("settings.upsert", "setting key is required")
	}
	doc := settingDocument{
		Key:         key,
		Kind:        string(setting.Value.Kind),
		Description: setting.Description,
		UpdatedAt:   setting.UpdatedAt,
	}
	switch setting.Value.Kind {
	case domain.SettingKindClock:
		clock := setting.Value.Clock
		doc.Clock = &clock
	case domain.SettingKindNumber:
		doc.Number = setting.Value.Number
	default:
		doc.Kind = string(domain.SettingKindText)
		doc.Text = setting.Value.Text
	}
	return r.base.Set(ctx, key, doc)
}

func toDomainSetting(doc pfirestore.Document[settingDocument]) domain.ConfigSetting {
	data := doc.Data
	var value domain.SettingValue
	switch domain.SettingKind(data.Kind) {
	case domain.SettingKindClock:
		if data.Clock != nil {
			value = domain.ClockValue(*data.Clock)
		} else {
			value = domain.ClockValue(time.Time{})
		}
	case domain.SettingKindNumber:
		value = domain.NumberValue(data.Number)
	default:
		value = domain.TextValue(data.Text)
	}
	setting := domain.ConfigSetting{
		Key:         data.Key,
		Value:       value,
		Description: data.Description,
		UpdatedAt:   data.UpdatedAt,
	}
	if setting.Key == "" {
		setting.Key = doc.ID
	}
	if setting.UpdatedAt.IsZero() {
		setting.UpdatedAt = doc.UpdateTime
	}
	return setting
}
