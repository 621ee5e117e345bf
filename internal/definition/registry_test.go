package definition

import (
	"sync"
	"testing"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/model"
)

func testFiles() []model.DefinitionFile {
	return []model.DefinitionFile{
		{
			Version:  "1.0.0",
			Checksum: "abc123",
			Wizards: []model.WizardDefinition{
				{ID: "incident-capture", Name: "Incident Capture", Steps: []model.StepDefinition{{ID: "metadata", Title: "Details"}}},
				{ID: "incident-analysis", Name: "Incident Analysis"},
			},
		},
		{
			Version:  "1.0.0",
			Checksum: "def456",
			Wizards: []model.WizardDefinition{
				{ID: "participant-onboarding", Name: "Participant Onboarding"},
			},
		},
	}
}

func TestRegistry_GetWizard(t *testing.T) {
	r := NewRegistry(testFiles())

	w, ok := r.GetWizard("incident-capture")
	if !ok {
		t.Fatal("GetWizard(incident-capture) not found")
	}
	if w.Name != "Incident Capture" || len(w.Steps) != 1 {
		t.Errorf("GetWizard() = %+v", w)
	}

	if _, ok := r.GetWizard("unknown"); ok {
		t.Error("GetWizard(unknown) should not be found")
	}
}

func TestRegistry_AllWizards_sorted(t *testing.T) {
	r := NewRegistry(testFiles())
	all := r.AllWizards()
	want := []string{"incident-analysis", "incident-capture", "participant-onboarding"}
	if len(all) != len(want) {
		t.Fatalf("AllWizards() = %d, want %d", len(all), len(want))
	}
	for i, w := range all {
		if w.ID != want[i] {
			t.Errorf("AllWizards()[%d] = %q, want %q", i, w.ID, want[i])
		}
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
}

func TestRegistry_Checksum(t *testing.T) {
	r1 := NewRegistry(testFiles())
	files := testFiles()
	files[0], files[1] = files[1], files[0]
	r2 := NewRegistry(files)

	if r1.Checksum() == "" {
		t.Fatal("Checksum() should not be empty")
	}
	if r1.Checksum() != r2.Checksum() {
		t.Error("Checksum() should not depend on file order")
	}
}

func TestRegistry_Replace(t *testing.T) {
	r := NewRegistry(testFiles())
	old := r.Checksum()

	r.Replace([]model.DefinitionFile{{
		Version:  "2.0.0",
		Checksum: "new",
		Wizards:  []model.WizardDefinition{{ID: "incident-capture", Name: "Incident Capture v2"}},
	}})

	if r.Checksum() == old {
		t.Error("Checksum() should change after Replace")
	}
	if _, ok := r.GetWizard("incident-analysis"); ok {
		t.Error("incident-analysis should be gone after Replace")
	}
	w, _ := r.GetWizard("incident-capture")
	if w.Name != "Incident Capture v2" {
		t.Errorf("Name = %q, want replaced definition", w.Name)
	}
}

func TestRegistry_concurrent_reads(t *testing.T) {
	r := NewRegistry(testFiles())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.GetWizard("incident-capture")
			r.AllWizards()
		}()
		go func() {
			defer wg.Done()
			r.Replace(testFiles())
		}()
	}
	wg.Wait()

	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
}
