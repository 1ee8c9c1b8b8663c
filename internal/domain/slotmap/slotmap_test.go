package slotmap

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func numeric(t *testing.T) *Table {
	t.Helper()
	tbl, err := Preset("numeric")
	if err != nil {
		t.Fatalf("Preset: %v", err)
	}
	return tbl
}

func TestMapToCodes_KnownPairInOrder(t *testing.T) {
	tbl := numeric(t)
	codes, unmapped := tbl.MapToCodes([]string{"Paracetamol - 500mg", "Ibuprofen - 400mg"})
	if !reflect.DeepEqual(codes, []string{"1", "2"}) {
		t.Errorf("codes = %v, want [1 2]", codes)
	}
	if len(unmapped) != 0 {
		t.Errorf("unmapped = %v, want empty", unmapped)
	}
}

func TestMapToCodes_UnknownInterleaved(t *testing.T) {
	tbl := numeric(t)
	codes, unmapped := tbl.MapToCodes([]string{"Ibuprofen - 400mg", "Unobtainium - 1mg", "Paracetamol - 500mg"})
	if !reflect.DeepEqual(codes, []string{"2", "1"}) {
		t.Errorf("codes = %v, want [2 1]", codes)
	}
	if !reflect.DeepEqual(unmapped, []string{"Unobtainium - 1mg"}) {
		t.Errorf("unmapped = %v", unmapped)
	}
}

func TestMapToCodes_DuplicatesRepeat(t *testing.T) {
	tbl := numeric(t)
	codes, _ := tbl.MapToCodes([]string{"Aspirin - 75mg", "Aspirin - 75mg"})
	if !reflect.DeepEqual(codes, []string{"7", "7"}) {
		t.Errorf("codes = %v, want [7 7]", codes)
	}
}

func TestMapToCodes_NoneMapped(t *testing.T) {
	tbl := numeric(t)
	codes, unmapped := tbl.MapToCodes([]string{"a", "b"})
	if len(codes) != 0 {
		t.Errorf("codes = %v, want empty", codes)
	}
	if len(unmapped) != 2 {
		t.Errorf("unmapped = %v, want 2 entries", unmapped)
	}
}

func TestLookup_TrimsWhitespace(t *testing.T) {
	tbl := numeric(t)
	if code, ok := tbl.Lookup("  Metformin - 500mg "); !ok || code != "5" {
		t.Errorf("Lookup = %q, %v", code, ok)
	}
	if _, ok := tbl.Lookup("metformin - 500mg"); ok {
		t.Error("lookup must be case-sensitive")
	}
}

func TestPreset_Tablet(t *testing.T) {
	tbl, err := Preset("tablet")
	if err != nil {
		t.Fatalf("Preset: %v", err)
	}
	if code, _ := tbl.Lookup("Vitamin D3 - 1000IU"); code != "T8" {
		t.Errorf("code = %q, want T8", code)
	}
	if tbl.Len() != 8 {
		t.Errorf("Len = %d, want 8", tbl.Len())
	}
}

func TestPreset_Unknown(t *testing.T) {
	if _, err := Preset("hex"); !errors.Is(err, ErrInvalidTable) {
		t.Errorf("expected ErrInvalidTable, got %v", err)
	}
}

func TestNew_RejectsDelimiterInCode(t *testing.T) {
	for _, code := range []string{"", "1,2", "3\n"} {
		if _, err := New(map[string]string{"X": code}); !errors.Is(err, ErrInvalidTable) {
			t.Errorf("code %q: expected ErrInvalidTable, got %v", code, err)
		}
	}
}

func TestLoad_FileOverridesPreset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slots.yaml")
	body := "medicines:\n  Paracetamol - 500mg: \"9\"\n  Losartan - 50mg: \"10\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	tbl, err := Load("numeric", path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if code, _ := tbl.Lookup("Paracetamol - 500mg"); code != "9" {
		t.Errorf("override not applied, got %q", code)
	}
	if code, _ := tbl.Lookup("Losartan - 50mg"); code != "10" {
		t.Errorf("new entry missing, got %q", code)
	}
	if code, _ := tbl.Lookup("Ibuprofen - 400mg"); code != "2" {
		t.Errorf("preset entry lost, got %q", code)
	}
}

func TestLoad_FileOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slots.yaml")
	if err := os.WriteFile(path, []byte("medicines:\n  A: A1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	tbl, err := Load("", path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tbl.Len() != 1 || !reflect.DeepEqual(tbl.Names(), []string{"A"}) {
		t.Errorf("unexpected table: %v", tbl.Names())
	}
}

func TestLoad_Empty(t *testing.T) {
	if _, err := Load("", ""); !errors.Is(err, ErrInvalidTable) {
		t.Errorf("expected ErrInvalidTable, got %v", err)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slots.yaml")
	if err := os.WriteFile(path, []byte("medicines: [oops"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load("numeric", path); err == nil {
		t.Error("expected parse error")
	}
}
