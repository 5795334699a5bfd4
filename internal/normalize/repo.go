package normalize

import (
	"sync"

	"github.com/stratumsec/alphapipe/internal/schema"
)

// Repo keeps the latest canonical record per alpha id for API read-back.
// Writes replace; there is no history here, the analytics store keeps
// versioned rows.
type Repo struct {
	mu   sync.RWMutex
	byID map[string]*schema.CanonicalRecord
}

func NewRepo() *Repo {
	return &Repo{byID: make(map[string]*schema.CanonicalRecord)}
}

func (r *Repo) Save(rec *schema.CanonicalRecord) {
	if rec == nil || rec.AlphaID == "" {
		return
	}
	r.mu.Lock()
	r.byID[rec.AlphaID] = rec
	r.mu.Unlock()
}

func (r *Repo) Get(alphaID string) (*schema.CanonicalRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[alphaID]
	return rec, ok
}

func (r *Repo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
