package model

// QueueProcessResult accumulates the accounting for one dead-letter drain run.
//
// Invariant maintained by the rescue workflow: Succeeded + Failed == Processed,
// and every message pulled during the run is acknowledged exactly once
// regardless of which counter it lands in.
type QueueProcessResult struct {
	Processed        int      `json:"processed"`
	Succeeded        int      `json:"succeeded"`
	Failed           int      `json:"failed"`
	UnprocessableIDs []string `json:"unprocessableIds"`
}

// RecordSuccess counts one pulled message as recovered.
func (r *QueueProcessResult) RecordSuccess() {
	r.Processed++
	r.Succeeded++
}

// RecordFailure counts one pulled message as unrecoverable. The message id is
// retained for manual follow-up when it could be determined at all.
func (r *QueueProcessResult) RecordFailure(messageID string) {
	r.Processed++
	r.Failed++
	if messageID == "" {
		return
	}
	for _, id := range r.UnprocessableIDs {
		if id == messageID {
			return
		}
	}
	r.UnprocessableIDs = append(r.UnprocessableIDs, messageID)
}
