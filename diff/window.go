package diff

// Window is one contiguous slice of the primary-key ordering space.
// Immutable once dispatched.
type Window struct {
	Index  int
	Offset int64
	Limit  int64
}

// Windows partitions [start, total) into chunk-sized windows. The union
// covers every remaining row exactly once; the last window holds the
// remainder.
func Windows(total, chunk, start int64) []Window {
	if chunk <= 0 || start >= total {
		return nil
	}
	if start < 0 {
		start = 0
	}

	windows := make([]Window, 0, (total-start+chunk-1)/chunk)
	index := 0
	for offset := start; offset < total; offset += chunk {
		limit := chunk
		if offset+limit > total {
			limit = total - offset
		}
		windows = append(windows, Window{Index: index, Offset: offset, Limit: limit})
		index++
	}

	return windows
}
