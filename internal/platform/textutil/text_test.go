package textutil

import "testing"

func TestPlainText(t *testing.T) {
	cases := map[string]string{
		"  Pollo   guisado ":                          "Pollo guisado",
		"<b>Arroz</b> con <script>x</script>gandules": "Arroz con gandules",
		"Arroz & Habichuelas":                         "Arroz & Habichuelas",
	}
	for input, want := range cases {
		if got := PlainText(input); got != want {
			t.Fatalf("PlainText(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestFoldKey(t *testing.T) {
	if FoldKey(" Víveres ") != FoldKey("VIVERES") {
		t.Fatalf("expected accent and case folding")
	}
	if got := FoldKey("Opción  Rápida"); got != "opcion rapida" {
		t.Fatalf("unexpected fold %q", got)
	}
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Recursos Humanos":    "recursos-humanos",
		"  Operaciones & TI ": "operaciones-ti",
		"Contabilidad 2":      "contabilidad-2",
		"***":                 "",
	}
	for input, want := range cases {
		if got := Slug(input); got != want {
			t.Fatalf("Slug(%q) = %q, want %q", input, got, want)
		}
	}
}
