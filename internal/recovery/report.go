package recovery

// Report summarises the ledger for operators.
type Report struct {
	TotalFailed  int `json:"total_failed"`
	PendingRetry int `json:"pending_retry"`
	DeadLettered int `json:"dead_lettered"`
	Recovered    int `json:"recovered"`
	Stuck        int `json:"stuck"`

	ByStatus    map[Status]int  `json:"by_status"`
	ByErrorCode map[string]int  `json:"by_error_code"`
	ByAgent     map[string]int  `json:"by_agent"`
	BySymbol    map[string]int  `json:"by_symbol"`
	Recent      []ActivityEntry `json:"recent_activity"`
}

// Report aggregates the ledger. Submitted trades count as pending retry, so
// TotalFailed always equals PendingRetry+DeadLettered+Recovered+Stuck.
// recent limits the activity entries returned, newest first.
func (l *Ledger) Report(recent int) Report {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := Report{
		ByStatus:    make(map[Status]int),
		ByErrorCode: make(map[string]int),
		ByAgent:     make(map[string]int),
		BySymbol:    make(map[string]int),
	}
	for _, ft := range l.trades {
		r.TotalFailed++
		r.ByStatus[ft.Status]++
		r.ByErrorCode[string(ft.ErrorCode)]++
		r.ByAgent[ft.AgentID]++
		r.BySymbol[ft.Symbol]++

		switch ft.Status {
		case StatusPending, StatusSubmitted:
			r.PendingRetry++
		case StatusDeadLetter:
			r.DeadLettered++
		case StatusRecovered:
			r.Recovered++
		case StatusStuck:
			r.Stuck++
		}
	}

	if recent < 0 || recent > len(l.activity) {
		recent = len(l.activity)
	}
	r.Recent = make([]ActivityEntry, 0, recent)
	for i := len(l.activity) - 1; i >= 0 && len(r.Recent) < recent; i-- {
		r.Recent = append(r.Recent, l.activity[i])
	}
	return r
}
