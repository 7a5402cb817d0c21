package monitor

import (
	"container/heap"
	"context"
	"fmt"

	"github.com/tinytelemetry/pulse/internal/model"
	"github.com/tinytelemetry/pulse/internal/stats"
)

// Priorities of report actions.
const (
	priorityReliability = 9
	priorityCapacity    = 8
	priorityPerformance = 6

	lowScore           = 70
	reliabilityFloor   = 0.95
	suggestionActionAt = 7
)

// actionQueue is a max-heap of actions by priority. Equal priorities keep
// insertion order.
type actionQueue []queuedAction

type queuedAction struct {
	model.PrioritizedAction
	seq int
}

func (q actionQueue) Len() int { return len(q) }
func (q actionQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}
func (q actionQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *actionQueue) Push(x any)   { *q = append(*q, x.(queuedAction)) }
func (q *actionQueue) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}

func (q *actionQueue) add(priority int, action string) {
	heap.Push(q, queuedAction{model.PrioritizedAction{Priority: priority, Action: action}, q.Len()})
}

// sorted lists the queue highest priority first without consuming it.
func (q actionQueue) sorted() []model.PrioritizedAction {
	work := make(actionQueue, len(q))
	copy(work, q)
	out := make([]model.PrioritizedAction, 0, len(work))
	for work.Len() > 0 {
		out = append(out, heap.Pop(&work).(queuedAction).PrioritizedAction)
	}
	return out
}

// PerformanceScore is 100 minus four independent penalties, each clamped
// to [0, 100]: latency above 100ms, success rate below 95%, CPU above 80%
// and memory above 1000MB. The result is clamped to [0, 100].
func PerformanceScore(o model.SystemOverview) float64 {
	penalty := func(v float64) float64 { return stats.Clamp(v, 0, 100) }
	score := 100.0
	score -= penalty((o.AvgResponseTimeMs - 100) * 0.1)
	score -= penalty((0.95 - o.OverallSuccessRate) * 200)
	score -= penalty((o.CPUUsagePercent - 80) * 0.5)
	score -= penalty((o.MemoryUsageMB - 1000) * 0.01)
	return stats.Clamp(score, 0, 100)
}

// GenerateOptimizationReport gathers suggestions for every plugin, a
// capacity analysis and the performance score, and ranks follow-up
// actions.
func (m *Monitor) GenerateOptimizationReport(ctx context.Context) model.OptimizationReport {
	overview := m.Overview(ctx)
	r := model.OptimizationReport{
		GeneratedAt:             m.now(),
		CapacityInsights:        m.AnalyzeCapacity(ctx),
		OverallPerformanceScore: PerformanceScore(overview),
	}

	if m.tracker != nil {
		for _, p := range m.tracker.Plugins() {
			r.Suggestions = append(r.Suggestions, m.tracker.AnalyzeForOptimizations(ctx, p)...)
		}
	}

	q := &actionQueue{}
	if r.CapacityInsights.ScalingRecommended {
		q.add(priorityCapacity, r.CapacityInsights.ScalingRecommendation)
	}
	if r.OverallPerformanceScore < lowScore {
		q.add(priorityPerformance, "Investigate performance bottlenecks in slow plugins")
	}
	if overview.OverallSuccessRate < reliabilityFloor {
		q.add(priorityReliability, "Address reliability issues causing failures")
	}
	for _, s := range r.Suggestions {
		if s.Priority >= suggestionActionAt {
			q.add(s.Priority, fmt.Sprintf("%s: %s", s.PluginName, s.Recommendation))
		}
	}
	r.PrioritizedActions = q.sorted()
	return r
}
