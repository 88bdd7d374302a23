package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/bisectbot/bisectbot/internal/types"
)

var (
	ErrNotFound    = errors.New("job not found")
	ErrConflict    = errors.New("concurrency token mismatch")
	ErrDuplicateID = errors.New("job id already present")
)

// PatchError reports an invalid patch target. Distinct from ErrConflict so
// the API layer can answer 422 instead of 409.
type PatchError struct {
	Path   string
	Reason string
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("invalid patch target %q: %s", e.Path, e.Reason)
}

type entry struct {
	mu   sync.Mutex
	job  *types.Job
	etag string
	log  bytes.Buffer
}

// Store is the broker's single source of truth: an in-memory map of job id
// to job, each guarded by a concurrency token that rotates on every applied
// patch. The store performs no field validation on Add; that is the API
// layer's job.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*entry
}

func New() *Store {
	return &Store{jobs: make(map[string]*entry)}
}

func (s *Store) Add(job *types.Job) error {
	copied, err := cloneJob(job)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateID
	}
	s.jobs[job.ID] = &entry{job: copied, etag: uuid.NewString()}
	return nil
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	return e, ok
}

// Get returns a copy of the job plus its current concurrency token.
func (s *Store) Get(id string) (*types.Job, string, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, "", ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	copied, err := cloneJob(e.job)
	if err != nil {
		return nil, "", err
	}
	return copied, e.etag, nil
}

// List returns copies of every job matching all filters, ordered by
// creation time. See matchesFilters for filter semantics.
func (s *Store) List(filters map[string]string) ([]*types.Job, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	jobs := make([]*types.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		doc, err := jobDoc(e.job)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		ok := matchesFilters(doc, filters)
		var copied *types.Job
		if ok {
			copied, err = cloneJob(e.job)
		}
		e.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if ok {
			jobs = append(jobs, copied)
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].TimeAdded != jobs[j].TimeAdded {
			return jobs[i].TimeAdded < jobs[j].TimeAdded
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}

// Patch applies the operation sequence atomically iff etag matches the
// job's current token. On success a fresh token is issued and returned.
// Either every operation applies or none does.
func (s *Store) Patch(id, etag string, ops []types.PatchOperation) (string, error) {
	e, ok := s.lookup(id)
	if !ok {
		return "", ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.etag != etag {
		return "", ErrConflict
	}

	patched, err := applyPatch(e.job, ops)
	if err != nil {
		return "", err
	}

	e.job = patched
	e.etag = uuid.NewString()
	return e.etag, nil
}

// AppendLog appends raw text to the job's log. Appends are ordered per
// caller but need no concurrency token; the log is append-only.
func (s *Store) AppendLog(id string, text []byte) error {
	e, ok := s.lookup(id)
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.log.Write(text)
	return err
}

func (s *Store) ReadLog(id string) ([]byte, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return bytes.Clone(e.log.Bytes()), nil
}

func cloneJob(job *types.Job) (*types.Job, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	copied := new(types.Job)
	if err := json.Unmarshal(raw, copied); err != nil {
		return nil, err
	}
	return copied, nil
}

func jobDoc(job *types.Job) (map[string]any, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]any)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
