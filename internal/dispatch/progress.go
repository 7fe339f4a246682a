package dispatch

// Tracker accumulates per-recipient outcomes into counters. Owned by
// the runner, read-only for observers via RunState snapshots and
// progress events.
type Tracker struct {
	sent      int
	failed    int
	processed int
	total     int
}

func (t *Tracker) reset(total int) {
	*t = Tracker{total: total}
}

func (t *Tracker) record(o Outcome) {
	t.processed++
	if o.Sent {
		t.sent++
	} else {
		t.failed++
	}
}

// Percent returns overall progress: attempts over total recipients.
func (t *Tracker) Percent() float64 {
	if t.total == 0 {
		return 0
	}
	return 100 * float64(t.processed) / float64(t.total)
}

// Event is one progress notification. Emitted after every send attempt
// and on every state transition; observers that fall behind miss
// events rather than slowing the send loop, the snapshot endpoint
// always has the authoritative counts.
type Event struct {
	RunID        string  `json:"run_id"`
	Status       Status  `json:"status"`
	CurrentBatch int     `json:"current_batch"`
	TotalBatches int     `json:"total_batches"`
	SentCount    int     `json:"sent_count"`
	FailedCount  int     `json:"failed_count"`
	TotalCount   int     `json:"total_count"`
	Percent      float64 `json:"percent"`
	RecipientID  string  `json:"recipient_id,omitempty"`
}
