package execution

import (
	"sync"
	"time"
)

const durationWindow = 100

// AgentStats are per-agent execution counters.
type AgentStats struct {
	Executed   int     `json:"executed"`
	Failed     int     `json:"failed"`
	VolumeUSDC float64 `json:"volume_usdc"`
}

// ExecutionStats is a snapshot of the pipeline's running counters.
type ExecutionStats struct {
	TotalExecuted   int                   `json:"total_executed"`
	LiveExecuted    int                   `json:"live_executed"`
	PaperExecuted   int                   `json:"paper_executed"`
	TotalFailed     int                   `json:"total_failed"`
	TotalVolumeUSDC float64               `json:"total_volume_usdc"`
	ByAgent         map[string]AgentStats `json:"by_agent"`
	BySymbol        map[string]int        `json:"by_symbol"`
	AvgDurationMs   float64               `json:"avg_duration_ms"`
	LastExecutionAt *time.Time            `json:"last_execution_at,omitempty"`
}

// stats accumulates execution counters and keeps the last durationWindow durations.
type stats struct {
	mu        sync.Mutex
	s         ExecutionStats
	durations []int64
	next      int
}

func newStats() *stats {
	return &stats{
		s: ExecutionStats{
			ByAgent:  make(map[string]AgentStats),
			BySymbol: make(map[string]int),
		},
		durations: make([]int64, 0, durationWindow),
	}
}

func (st *stats) recordSuccess(agentID string, tr *TradeResult, durationMs int64, at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.s.TotalExecuted++
	if tr.Mode == ModeLive {
		st.s.LiveExecuted++
	} else {
		st.s.PaperExecuted++
	}
	st.s.TotalVolumeUSDC += tr.USDCAmount

	a := st.s.ByAgent[agentID]
	a.Executed++
	a.VolumeUSDC += tr.USDCAmount
	st.s.ByAgent[agentID] = a
	st.s.BySymbol[tr.Symbol]++

	st.s.LastExecutionAt = &at
	st.observe(durationMs)
}

func (st *stats) recordFailure(agentID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.s.TotalFailed++
	a := st.s.ByAgent[agentID]
	a.Failed++
	st.s.ByAgent[agentID] = a
}

// observe writes into a ring buffer once the window is full.
func (st *stats) observe(ms int64) {
	if len(st.durations) < durationWindow {
		st.durations = append(st.durations, ms)
		return
	}
	st.durations[st.next] = ms
	st.next = (st.next + 1) % durationWindow
}

func (st *stats) snapshot() ExecutionStats {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := st.s
	out.ByAgent = make(map[string]AgentStats, len(st.s.ByAgent))
	for k, v := range st.s.ByAgent {
		out.ByAgent[k] = v
	}
	out.BySymbol = make(map[string]int, len(st.s.BySymbol))
	for k, v := range st.s.BySymbol {
		out.BySymbol[k] = v
	}
	if st.s.LastExecutionAt != nil {
		t := *st.s.LastExecutionAt
		out.LastExecutionAt = &t
	}
	if n := len(st.durations); n > 0 {
		var sum int64
		for _, d := range st.durations {
			sum += d
		}
		out.AvgDurationMs = float64(sum) / float64(n)
	}
	return out
}
