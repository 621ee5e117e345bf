package model

import (
	"reflect"
	"testing"
)

func TestCapabilitySet_Has_exact(t *testing.T) {
	cs := CapabilitySet{
		"incidents:capture": true,
		"participants:view": true,
	}
	if !cs.Has("incidents:capture") {
		t.Error("Has(incidents:capture) = false, want true")
	}
	if cs.Has("incidents:analysis") {
		t.Error("Has(incidents:analysis) = true, want false")
	}
}

func TestCapabilitySet_Has_revokedEntry(t *testing.T) {
	cs := CapabilitySet{"incidents:*": false}
	if cs.Has("incidents:capture") {
		t.Error("a false wildcard entry should not grant anything")
	}
}

func TestCapabilitySet_Has_wildcards(t *testing.T) {
	tests := []struct {
		name string
		cs   CapabilitySet
		cap  string
		want bool
	}{
		{"star", CapabilitySet{"*": true}, "users:impersonate", true},
		{"namespace", CapabilitySet{"incidents:*": true}, "incidents:analysis:review", true},
		{"other namespace", CapabilitySet{"incidents:*": true}, "users:impersonate", false},
		{"empty", CapabilitySet{}, "incidents:capture", false},
		{"nil", nil, "incidents:capture", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cs.Has(tt.cap); got != tt.want {
				t.Errorf("Has(%q) = %v, want %v", tt.cap, got, tt.want)
			}
		})
	}
}

func TestCapabilitySet_HasAll_HasAny(t *testing.T) {
	cs := CapabilitySet{"incidents:capture": true, "participants:*": true}

	if !cs.HasAll("incidents:capture", "participants:view") {
		t.Error("HasAll should be true when all granted")
	}
	if cs.HasAll("incidents:capture", "incidents:analysis") {
		t.Error("HasAll should be false when one missing")
	}
	if !cs.HasAll() {
		t.Error("HasAll with no args should be true")
	}
	if !cs.HasAny("incidents:analysis", "participants:edit") {
		t.Error("HasAny should be true when one granted")
	}
	if cs.HasAny() {
		t.Error("HasAny with no args should be false")
	}
}

func TestCapabilitySet_Sorted(t *testing.T) {
	cs := CapabilitySet{"b:x": true, "a:y": true, "c:z": false}
	want := []string{"a:y", "b:x"}
	if got := cs.Sorted(); !reflect.DeepEqual(got, want) {
		t.Errorf("Sorted() = %v, want %v", got, want)
	}
}

func TestMatchWildcard(t *testing.T) {
	tests := []struct {
		pattern string
		cap     string
		want    bool
	}{
		{"*", "incidents:capture", true},
		{"incidents:*", "incidents:capture", true},
		{"incidents:*", "users:impersonate", false},
		{"incidents:analysis:*", "incidents:analysis:review", true},
		{"incidents:analysis:*", "incidents:capture", false},
		{"incidents:capture", "incidents:capture", false},
		{"incidents*", "incidents:capture", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"_vs_"+tt.cap, func(t *testing.T) {
			if got := matchWildcard(tt.pattern, tt.cap); got != tt.want {
				t.Errorf("matchWildcard(%q, %q) = %v, want %v", tt.pattern, tt.cap, got, tt.want)
			}
		})
	}
}
