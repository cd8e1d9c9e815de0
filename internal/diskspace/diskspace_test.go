package diskspace

import (
	"path/filepath"
	"testing"
)

func TestProbe(t *testing.T) {
	dir := t.TempDir()
	info, err := Probe(dir)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if info.Total == 0 {
		t.Error("expected non-zero total")
	}
	if info.Available > info.Total || info.UsedPct < 0 || info.UsedPct > 100 {
		t.Errorf("inconsistent info: %+v", info)
	}
}

func TestProbeMissingPathUsesAncestor(t *testing.T) {
	dir := t.TempDir()
	want, err := Probe(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Probe(filepath.Join(dir, "not", "yet", "created"))
	if err != nil {
		t.Fatalf("Probe on missing path failed: %v", err)
	}
	if got.Total != want.Total {
		t.Errorf("Total = %d, want %d from the existing ancestor", got.Total, want.Total)
	}
}
