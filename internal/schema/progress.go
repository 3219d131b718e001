package schema

// weightedProgress maps a position in the two-level traversal to
// [ProgressStart, ProgressEnd]. Every schema gets an equal share of the
// range, split evenly across its own tables, so a schema with many tables
// does not dominate the bar.
func weightedProgress(schemasDone, totalSchemas, tablesDone, totalTables int) int {
	if totalSchemas <= 0 {
		return ProgressEnd
	}
	span := float64(ProgressEnd - ProgressStart)
	share := span / float64(totalSchemas)

	pct := float64(ProgressStart) + float64(schemasDone)*share
	if totalTables > 0 {
		pct += float64(tablesDone) / float64(totalTables) * share
	}
	return clamp(int(pct), ProgressStart, ProgressEnd)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// progressTracker forwards only increasing values.
type progressTracker struct {
	fn   ProgressFunc
	last int
}

func newProgressTracker(fn ProgressFunc) *progressTracker {
	return &progressTracker{fn: fn, last: -1}
}

func (t *progressTracker) report(pct int) {
	pct = clamp(pct, ProgressStart, ProgressEnd)
	if t.fn == nil || pct <= t.last {
		return
	}
	t.last = pct
	t.fn(pct)
}
