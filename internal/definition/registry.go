package definition

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/model"
)

// snapshot is an immutable collection of wizard definitions indexed by ID.
type snapshot struct {
	wizards  map[string]model.WizardDefinition
	ids      []string
	checksum string
}

// Registry is a read-optimized, thread-safe store of all loaded wizard
// definitions. It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definition files.
func NewRegistry(files []model.DefinitionFile) *Registry {
	r := &Registry{}
	r.Replace(files)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given files. A later wizard with a duplicate ID wins.
func (r *Registry) Replace(files []model.DefinitionFile) {
	s := &snapshot{wizards: make(map[string]model.WizardDefinition)}

	var checksumParts []string
	for _, f := range files {
		checksumParts = append(checksumParts, f.Checksum)
		for _, w := range f.Wizards {
			s.wizards[w.ID] = w
		}
	}

	for id := range s.wizards {
		s.ids = append(s.ids, id)
	}
	slices.Sort(s.ids)

	slices.Sort(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetWizard returns the wizard definition with the given ID.
func (r *Registry) GetWizard(wizardID string) (model.WizardDefinition, bool) {
	w, ok := r.current().wizards[wizardID]
	return w, ok
}

// AllWizards returns all wizard definitions ordered by ID.
func (r *Registry) AllWizards() []model.WizardDefinition {
	s := r.current()
	out := make([]model.WizardDefinition, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.wizards[id])
	}
	return out
}

// Len returns the number of registered wizards.
func (r *Registry) Len() int {
	return len(r.current().ids)
}

// Checksum returns the combined checksum of all loaded definition files.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
