package engine

// Summarize counts results by status. It never looks at anything but status,
// so it is safe to apply to persisted as well as freshly observed results.
func Summarize(results []ObservationResult) Summary {
	var s Summary
	for _, r := range results {
		switch r.Status {
		case StatusHealthy:
			s.Healthy++
		case StatusMissing:
			s.Missing++
		default:
			s.Unknown++
		}
	}
	s.Total = len(results)
	return s
}
