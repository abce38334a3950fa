package watchlist

import "time"

// Entry is a watched artist. The timer periodically enqueues a refresh job
// for each due entry; bookkeeping on the entry itself records outcomes.
type Entry struct {
	EntityID      string     `json:"entity_id"`
	Name          string     `json:"name"`
	LastChecked   *time.Time `json:"last_checked,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	RetryCount    int        `json:"retry_count"`
	Paused        bool       `json:"paused"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
