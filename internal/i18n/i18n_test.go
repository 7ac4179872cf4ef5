package i18n

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
	loc := NewLocalizer(lang)
	return WithLocalizer(context.Background(), loc)
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	tests := map[string]string{
		"DatasetNameExists": "Dataset name already exists",
		"AccessDenied":      "Access denied",
		"ImportNoRows":      "No valid Q&A pairs found in the file",
	}
	for id, want := range tests {
		if got := T(ctx, id); got != want {
			t.Errorf("T(%s) = %q, want %q", id, got, want)
		}
	}
}

func TestTranslateRussian(t *testing.T) {
	ctx := initLang(t, "ru")

	got := T(ctx, "AccessDenied")
	if got != "Доступ запрещён" {
		t.Errorf("T(AccessDenied) = %q, want 'Доступ запрещён'", got)
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got1 := Tp(ctx, "UploadSucceeded", 1, map[string]any{"Name": "DS1"})
	if got1 != `Dataset "DS1" uploaded successfully with 1 Q&A pair` {
		t.Errorf("Tp(UploadSucceeded, 1) = %q", got1)
	}

	got2 := Tp(ctx, "UploadSucceeded", 2, map[string]any{"Name": "DS1"})
	if got2 != `Dataset "DS1" uploaded successfully with 2 Q&A pairs` {
		t.Errorf("Tp(UploadSucceeded, 2) = %q", got2)
	}
}

func TestRussianPluralForms(t *testing.T) {
	ctx := initLang(t, "ru")

	tests := []struct {
		count int
		want  string
	}{
		{1, "Набор данных «DS1» загружен: 1 пара вопрос-ответ"},
		{3, "Набор данных «DS1» загружен: 3 пары вопрос-ответ"},
		{5, "Набор данных «DS1» загружен: 5 пар вопрос-ответ"},
	}
	for _, tt := range tests {
		got := Tp(ctx, "UploadSucceeded", tt.count, map[string]any{"Name": "DS1"})
		if got != tt.want {
			t.Errorf("Tp(UploadSucceeded, %d) = %q, want %q", tt.count, got, tt.want)
		}
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "DatasetDeleted", map[string]any{"Name": "DS1"})
	if got != `Dataset "DS1" deleted successfully` {
		t.Errorf("Td(DatasetDeleted) = %q", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	got := T(ctx, "NonExistentKey")
	if got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestCatalogsHaveSameKeys(t *testing.T) {
	keys := func(name string) []string {
		data, err := localeFS.ReadFile("locales/" + name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("parse %s: %v", name, err)
		}
		var out []string
		for k := range m {
			out = append(out, k)
		}
		sort.Strings(out)
		return out
	}

	en, ru := keys("en.json"), keys("ru.json")
	if len(en) != len(ru) {
		t.Fatalf("en has %d keys, ru has %d", len(en), len(ru))
	}
	for i := range en {
		if en[i] != ru[i] {
			t.Errorf("key mismatch: en %q, ru %q", en[i], ru[i])
		}
	}
}
