package model

import "time"

// FailureWindow selects records created between EndSecondsAgo and
// StartSecondsAgo before now. StartSecondsAgo is the recent edge of the
// window, EndSecondsAgo the old edge, both measured backwards from now.
type FailureWindow struct {
	StartSecondsAgo int64
	EndSecondsAgo   int64
}

// Bounds resolves the window into absolute created-at bounds at the given instant.
func (w FailureWindow) Bounds(now time.Time) (from, to time.Time) {
	from = now.Add(-time.Duration(w.EndSecondsAgo) * time.Second)
	to = now.Add(-time.Duration(w.StartSecondsAgo) * time.Second)
	return from, to
}

// PageRequest describes one page of a listing query. Pages are 1-based.
type PageRequest struct {
	Page     int
	PageSize int
}

// Offset returns the row offset for the request.
func (p PageRequest) Offset() int64 {
	page := p.Page
	if page < 1 {
		page = 1
	}
	return int64(page-1) * int64(p.PageSize)
}

// RecordPage is one page of delivery records plus the total match count.
type RecordPage struct {
	Records  []DeliveryRecord `json:"records"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"pageSize"`
}
