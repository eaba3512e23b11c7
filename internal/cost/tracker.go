package cost

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/orchestrator/internal/model"
)

// ErrBudgetExceeded is returned once a run's spend passes its hard ceiling.
var ErrBudgetExceeded = eris.New("cost: budget exceeded")

// BudgetState summarises a budget check.
type BudgetState string

const (
	BudgetOK      BudgetState = "ok"
	BudgetWarning BudgetState = "warning"
	BudgetOver    BudgetState = "over_budget"
)

// BudgetStatus is the result of CheckBudget.
type BudgetStatus struct {
	State          BudgetState `json:"state"`
	Total          float64     `json:"total"`
	Limit          float64     `json:"limit,omitempty"`
	PerRecord      float64     `json:"per_record,omitempty"`
	PerRecordLimit float64     `json:"per_record_limit,omitempty"`
	Reasons        []string    `json:"reasons,omitempty"`
}

// Tracker accumulates one run's spend. It is safe for concurrent use by the
// run's parallel fetches and implements pipeline.CostSink.
type Tracker struct {
	mu         sync.Mutex
	budget     model.Budget
	total      float64
	byProvider map[string]float64
	records    int
	raised     map[string]bool
}

// NewTracker creates a tracker for a workflow budget.
func NewTracker(b model.Budget) *Tracker {
	return &Tracker{
		budget:     b,
		byProvider: make(map[string]float64),
		raised:     make(map[string]bool),
	}
}

// Record adds amount to the run total and the provider's share.
func (t *Tracker) Record(providerID string, amount float64) {
	if amount == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total += amount
	t.byProvider[providerID] += amount
}

// Charge records amount against component and returns ErrBudgetExceeded
// when the hard ceiling is passed.
func (t *Tracker) Charge(component string, amount float64) error {
	t.Record(component, amount)
	return t.Allow()
}

// Allow returns ErrBudgetExceeded when spend already passes the hard ceiling.
// Callers check it before every billable call.
func (t *Tracker) Allow() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit := t.budget.MaxCostPerExecution; limit > 0 && t.total > limit {
		return eris.Wrapf(ErrBudgetExceeded, "spent %.4f of %.4f", t.total, limit)
	}
	return nil
}

// RecordRecords adds n to the record count used for per-record cost.
func (t *Tracker) RecordRecords(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records += n
}

// Total returns the accumulated spend.
func (t *Tracker) Total() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Summary returns the run's cost summary.
func (t *Tracker) Summary() model.CostSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	by := make(map[string]float64, len(t.byProvider))
	for k, v := range t.byProvider {
		by[k] = v
	}
	s := model.CostSummary{Total: t.total, ByProvider: by}
	if t.records > 0 {
		s.PerRecord = t.total / float64(t.records)
	}
	return s
}

// CheckBudget compares spend with the budget. Passing MaxCostPerExecution
// is over budget; crossing the alert threshold fraction or the per-record
// ceiling is a warning.
func (t *Tracker) CheckBudget() BudgetStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkLocked()
}

func (t *Tracker) checkLocked() BudgetStatus {
	b := t.budget
	st := BudgetStatus{
		State:          BudgetOK,
		Total:          t.total,
		Limit:          b.MaxCostPerExecution,
		PerRecordLimit: b.MaxCostPerRecord,
	}
	if t.records > 0 {
		st.PerRecord = t.total / float64(t.records)
	}

	if b.MaxCostPerExecution > 0 {
		if t.total > b.MaxCostPerExecution {
			st.State = BudgetOver
			st.Reasons = append(st.Reasons, fmt.Sprintf("total cost %.4f exceeds max_cost_per_execution %.4f", t.total, b.MaxCostPerExecution))
			return st
		}
		if b.AlertThreshold > 0 && t.total >= b.AlertThreshold*b.MaxCostPerExecution {
			st.State = BudgetWarning
			st.Reasons = append(st.Reasons, fmt.Sprintf("total cost %.4f reached %.0f%% of budget", t.total, b.AlertThreshold*100))
		}
	}
	if b.MaxCostPerRecord > 0 && t.records > 0 && st.PerRecord > b.MaxCostPerRecord {
		st.State = BudgetWarning
		st.Reasons = append(st.Reasons, fmt.Sprintf("cost per record %.4f exceeds max_cost_per_record %.4f", st.PerRecord, b.MaxCostPerRecord))
	}
	return st
}

// Alerts returns budget alerts for thresholds crossed since the last call.
// Each state is alerted at most once per run.
func (t *Tracker) Alerts(workflowID, runID string, now time.Time) []model.Alert {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.checkLocked()
	if st.State == BudgetOK || t.raised[string(st.State)] {
		return nil
	}
	t.raised[string(st.State)] = true

	sev := model.SeverityMedium
	if st.State == BudgetOver {
		sev = model.SeverityCritical
	}
	msg := string(st.State)
	if len(st.Reasons) > 0 {
		msg = st.Reasons[0]
	}
	return []model.Alert{{
		ID:         uuid.New().String(),
		Type:       model.AlertBudget,
		Severity:   sev,
		Status:     model.AlertActive,
		Component:  "cost",
		WorkflowID: workflowID,
		RunID:      runID,
		Message:    msg,
		Details: map[string]any{
			"state":      string(st.State),
			"total":      st.Total,
			"limit":      st.Limit,
			"per_record": st.PerRecord,
		},
		CreatedAt: now,
	}}
}

// Recommend returns the cheapest active provider mapped to source whose
// health score is at least current's and whose call cost for records rows
// is lower. It returns nil when no provider qualifies.
func Recommend(calc *Calculator, source model.Source, current model.Provider, providers map[string]model.Provider, records int) *model.Recommendation {
	if calc == nil {
		calc = NewCalculator(Rates{})
	}
	currentCost := calc.Call(current, records)
	currentHealth := current.HealthScore()

	var candidates []model.Provider
	for _, m := range source.Providers {
		if !m.Active() || m.ProviderID == current.ID {
			continue
		}
		p, ok := providers[m.ProviderID]
		if !ok || !p.Active() {
			continue
		}
		if p.HealthScore() < currentHealth || calc.Call(p, records) >= currentCost {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := calc.Call(candidates[i], records), calc.Call(candidates[j], records)
		if ci != cj {
			return ci < cj
		}
		hi, hj := candidates[i].HealthScore(), candidates[j].HealthScore()
		if hi != hj {
			return hi > hj
		}
		return candidates[i].ID < candidates[j].ID
	})
	best := candidates[0]
	bestCost := calc.Call(best, records)
	return &model.Recommendation{
		Type:            "provider_switch",
		SourceID:        source.ID,
		CurrentProvider: current.ID,
		Suggested:       best.ID,
		CurrentCost:     currentCost,
		SuggestedCost:   bestCost,
		Reason: fmt.Sprintf("%s costs %.4f vs %.4f for %d records with health %.0f >= %.0f",
			best.ID, bestCost, currentCost, records, best.HealthScore(), currentHealth),
	}
}
