package reminder

// Statistics aggregates the reminder history.
//
// Total counts history entries, so a reminder that was rescheduled and then
// completed contributes two. Rates are percentages in [0, 100].
type Statistics struct {
	Total          int                       `json:"total"`
	Completed      int                       `json:"completed"`
	Cancelled      int                       `json:"cancelled"`
	Rescheduled    int                       `json:"rescheduled"`
	CompletionRate float64                   `json:"completion_rate"`
	ByRequester    map[string]RequesterStats `json:"by_requester"`
}

type RequesterStats struct {
	Total          int     `json:"total"`
	Completed      int     `json:"completed"`
	CompletionRate float64 `json:"completion_rate"`
}

// ComputeStatistics folds history into Statistics.
func ComputeStatistics(history []HistoryEntry) Statistics {
	st := Statistics{ByRequester: map[string]RequesterStats{}}
	for _, h := range history {
		st.Total++
		switch h.Event {
		case EventCompleted:
			st.Completed++
		case EventCancelled:
			st.Cancelled++
		case EventRescheduled:
			st.Rescheduled++
		}
		if h.Requester == "" {
			continue
		}
		rs := st.ByRequester[h.Requester]
		rs.Total++
		if h.Event == EventCompleted {
			rs.Completed++
		}
		st.ByRequester[h.Requester] = rs
	}

	st.CompletionRate = rate(st.Completed, st.Total)
	for k, rs := range st.ByRequester {
		rs.CompletionRate = rate(rs.Completed, rs.Total)
		st.ByRequester[k] = rs
	}
	return st
}

func rate(n, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}
