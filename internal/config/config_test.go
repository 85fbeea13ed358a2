package config

import "testing"

func TestParseHstoreMode(t *testing.T) {
	cases := map[string]HstoreMode{
		"":     HstoreNone,
		"none": HstoreNone,
		"norm": HstoreNorm,
		"all":  HstoreAll,
	}
	for in, want := range cases {
		got, err := ParseHstoreMode(in)
		if err != nil {
			t.Fatalf("ParseHstoreMode(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseHstoreMode(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseHstoreModeRejectsUnknown(t *testing.T) {
	if _, err := ParseHstoreMode("bogus"); err == nil {
		t.Error("expected an error for an unrecognised hstore mode")
	}
}

func TestValidateRejectsMinZoomAboveMaxZoom(t *testing.T) {
	o := DefaultOptions()
	o.ExpireMinZoom = 20
	o.ExpireMaxZoom = 10
	if err := o.Validate(); err == nil {
		t.Error("expected an error when expire_min_zoom exceeds expire_max_zoom")
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := DefaultOptions().Validate(); err != nil {
		t.Errorf("DefaultOptions() failed validation: %v", err)
	}
}

func TestValidateRejectsZeroNumProcs(t *testing.T) {
	o := DefaultOptions()
	o.NumProcs = 0
	if err := o.Validate(); err == nil {
		t.Error("expected an error for num_procs == 0")
	}
}
