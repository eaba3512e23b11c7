package store

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orchestrator/internal/model"
)

// MemoryStore implements Repository in process memory. Values are deep
// copied on the way in and out.
type MemoryStore struct {
	mu        sync.RWMutex
	providers map[string][]byte
	sources   map[string][]byte
	workflows map[string][]byte
	stats     map[string]model.WorkflowStats
	monitors  map[string]model.QualityMonitor
	runs      map[string][]byte
	runOrder  []string
	history   map[string][][]byte
	alerts    map[string][]byte
	alertIDs  []string
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		providers: make(map[string][]byte),
		sources:   make(map[string][]byte),
		workflows: make(map[string][]byte),
		stats:     make(map[string]model.WorkflowStats),
		monitors:  make(map[string]model.QualityMonitor),
		runs:      make(map[string][]byte),
		history:   make(map[string][][]byte),
		alerts:    make(map[string][]byte),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error { return nil }

func memGet[T any](mu *sync.RWMutex, m map[string][]byte, id, what string) (*T, error) {
	mu.RLock()
	data, ok := m[id]
	mu.RUnlock()
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "%s %s", what, id)
	}
	return unmarshal[T](data, what)
}

func memList[T any](mu *sync.RWMutex, m map[string][]byte, what string) ([]T, error) {
	mu.RLock()
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	docs := make([][]byte, len(ids))
	for i, id := range ids {
		docs[i] = m[id]
	}
	mu.RUnlock()

	out := make([]T, 0, len(docs))
	for _, d := range docs {
		v, err := unmarshal[T](d, what)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

func (s *MemoryStore) put(m map[string][]byte, id string, v any, what string) error {
	data, err := marshal(v, what)
	if err != nil {
		return err
	}
	s.mu.Lock()
	m[id] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SaveProvider(_ context.Context, p model.Provider) error {
	return s.put(s.providers, p.ID, p, "provider")
}

func (s *MemoryStore) GetProvider(_ context.Context, id string) (*model.Provider, error) {
	return memGet[model.Provider](&s.mu, s.providers, id, "provider")
}

func (s *MemoryStore) ListProviders(context.Context) ([]model.Provider, error) {
	return memList[model.Provider](&s.mu, s.providers, "provider")
}

func (s *MemoryStore) UpdateProviderHealth(ctx context.Context, id string, h model.Health) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.providers[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "provider %s", id)
	}
	p, err := unmarshal[model.Provider](data, "provider")
	if err != nil {
		return err
	}
	p.Health = h
	if data, err = marshal(p, "provider"); err != nil {
		return err
	}
	s.providers[id] = data
	return nil
}

func (s *MemoryStore) SaveSource(_ context.Context, src model.Source) error {
	return s.put(s.sources, src.ID, src, "source")
}

func (s *MemoryStore) GetSource(_ context.Context, id string) (*model.Source, error) {
	return memGet[model.Source](&s.mu, s.sources, id, "source")
}

func (s *MemoryStore) ListSources(context.Context) ([]model.Source, error) {
	return memList[model.Source](&s.mu, s.sources, "source")
}

func (s *MemoryStore) SaveWorkflow(_ context.Context, wf *model.Workflow) error {
	return s.put(s.workflows, wf.ID, wf, "workflow")
}

func (s *MemoryStore) LoadWorkflow(_ context.Context, id string) (*model.Workflow, error) {
	wf, err := memGet[model.Workflow](&s.mu, s.workflows, id, "workflow")
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	wf.Stats = s.stats[id]
	s.mu.RUnlock()
	return wf, nil
}

func (s *MemoryStore) ListWorkflows(context.Context) ([]model.Workflow, error) {
	wfs, err := memList[model.Workflow](&s.mu, s.workflows, "workflow")
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range wfs {
		wfs[i].Stats = s.stats[wfs[i].ID]
	}
	return wfs, nil
}

func (s *MemoryStore) SaveMonitor(_ context.Context, m model.QualityMonitor) error {
	data, err := marshal(m, "monitor")
	if err != nil {
		return err
	}
	cp, err := unmarshal[model.QualityMonitor](data, "monitor")
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.monitors[m.ID] = *cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadQualityRules(_ context.Context, scope model.Scope) ([]model.QualityRule, error) {
	s.mu.RLock()
	monitors := make([]model.QualityMonitor, 0, len(s.monitors))
	for _, m := range s.monitors {
		monitors = append(monitors, m)
	}
	s.mu.RUnlock()
	return monitorRules(monitors, scope), nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run *model.Run) error {
	data, err := marshal(run, "run")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.runs[run.ID]; ok {
		old, err := unmarshal[model.Run](prev, "run")
		if err != nil {
			return err
		}
		if old.Status.Terminal() {
			return eris.Wrapf(ErrRunImmutable, "run %s is %s", run.ID, old.Status)
		}
	} else {
		s.runOrder = append(s.runOrder, run.ID)
	}
	s.runs[run.ID] = data
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*model.Run, error) {
	return memGet[model.Run](&s.mu, s.runs, id, "run")
}

// ListRuns returns matching runs, newest first.
func (s *MemoryStore) ListRuns(_ context.Context, f RunFilter) ([]model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Run
	skipped := 0
	for i := len(s.runOrder) - 1; i >= 0 && len(out) < limitOr(f.Limit); i-- {
		r, err := unmarshal[model.Run](s.runs[s.runOrder[i]], "run")
		if err != nil {
			return nil, err
		}
		if f.WorkflowID != "" && r.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (s *MemoryStore) CountActiveRuns(_ context.Context, workflowID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, data := range s.runs {
		r, err := unmarshal[model.Run](data, "run")
		if err != nil {
			return 0, err
		}
		if r.WorkflowID == workflowID && r.Status.Active() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, workflowID string, run *model.Run) error {
	data, err := marshal(run, "run")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, prev := range s.history[workflowID] {
		if r, err := unmarshal[model.Run](prev, "run"); err == nil && r.ID == run.ID {
			return nil
		}
	}
	s.history[workflowID] = append(s.history[workflowID], data)
	return nil
}

// History returns the workflow's terminal runs, newest first.
func (s *MemoryStore) History(_ context.Context, workflowID string, limit int) ([]model.Run, error) {
	s.mu.RLock()
	entries := s.history[workflowID]
	s.mu.RUnlock()
	var out []model.Run
	for i := len(entries) - 1; i >= 0 && len(out) < limitOr(limit); i-- {
		r, err := unmarshal[model.Run](entries[i], "run")
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatistics(_ context.Context, workflowID string, d model.StatsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[workflowID]; !ok {
		return eris.Wrapf(ErrNotFound, "workflow %s", workflowID)
	}
	st := s.stats[workflowID]
	st.Apply(d)
	s.stats[workflowID] = st
	return nil
}

func (s *MemoryStore) SaveAlert(_ context.Context, a model.Alert) error {
	data, err := marshal(a, "alert")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; !ok {
		s.alertIDs = append(s.alertIDs, a.ID)
	}
	s.alerts[a.ID] = data
	return nil
}

func (s *MemoryStore) GetAlert(_ context.Context, id string) (*model.Alert, error) {
	return memGet[model.Alert](&s.mu, s.alerts, id, "alert")
}

// ListAlerts returns matching alerts, newest first.
func (s *MemoryStore) ListAlerts(_ context.Context, f AlertFilter) ([]model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Alert
	for i := len(s.alertIDs) - 1; i >= 0 && len(out) < limitOr(f.Limit); i-- {
		a, err := unmarshal[model.Alert](s.alerts[s.alertIDs[i]], "alert")
		if err != nil {
			return nil, err
		}
		if (f.Status != "" && a.Status != f.Status) ||
			(f.WorkflowID != "" && a.WorkflowID != f.WorkflowID) ||
			(f.RunID != "" && a.RunID != f.RunID) {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}
