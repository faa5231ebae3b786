package campaign

import (
	"time"
)

// Kind identifies which runner drives a campaign
type Kind string

const (
	KindBroadcast    Kind = "broadcast"
	KindWarmup       Kind = "warmup"
	KindConversation Kind = "conversation"
)

// Valid reports whether k is a known campaign kind
func (k Kind) Valid() bool {
	switch k {
	case KindBroadcast, KindWarmup, KindConversation:
		return true
	}
	return false
}

// Failure is one entry of a campaign error list
type Failure struct {
	Recipient    string `json:"recipient"`
	ErrorMessage string `json:"errorMessage"`
}

// Campaign represents one broadcast, warm-up or conversation run
type Campaign struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Kind          Kind      `json:"kind"`
	InstanceIDs   []string  `json:"instance_ids,omitempty"`
	TotalTargets  int       `json:"total_targets"` // 0 means open-ended
	CurrentIndex  int       `json:"current_index"`
	SuccessList   []string  `json:"success_list"`
	ErrorList     []Failure `json:"error_list"`
	StopRequested bool      `json:"stop_requested"`
	Completed     bool      `json:"completed"`
	Progress      *Progress `json:"progress,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
}

// Progress is the warm-up or conversation state exposed to polling clients
type Progress struct {
	Phase           int       `json:"phase"`
	PhaseQuota      int       `json:"phaseQuota"`
	PhaseSent       int       `json:"phaseSent"`
	SentToday       int       `json:"sentToday"`
	SentThisSession int       `json:"sentThisSession"`
	SessionLimit    int       `json:"sessionLimit,omitempty"`
	Unlimited       bool      `json:"unlimited,omitempty"`
	Partners        []string  `json:"partners,omitempty"`
	TestMode        bool      `json:"testMode,omitempty"`
	HistoryLen      int       `json:"historyLength,omitempty"`
	LastMessage     string    `json:"lastMessage,omitempty"`
	PausedUntil     time.Time `json:"pausedUntil,omitempty"`
}

// Summary is a compact view used in owner listings
type Summary struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	TotalTargets  int       `json:"totalTargets"`
	CurrentIndex  int       `json:"currentIndex"`
	SuccessCount  int       `json:"successCount"`
	ErrorCount    int       `json:"errorCount"`
	StopRequested bool      `json:"stopRequested"`
	Completed     bool      `json:"completed"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Summary returns the listing view of the campaign
func (c *Campaign) Summary() Summary {
	return Summary{
		ID:            c.ID,
		Kind:          c.Kind,
		TotalTargets:  c.TotalTargets,
		CurrentIndex:  c.CurrentIndex,
		SuccessCount:  len(c.SuccessList),
		ErrorCount:    len(c.ErrorList),
		StopRequested: c.StopRequested,
		Completed:     c.Completed,
		CreatedAt:     c.CreatedAt,
	}
}

// Clone returns a deep copy so callers never share slices with the store
func (c *Campaign) Clone() *Campaign {
	if c == nil {
		return nil
	}
	cp := *c
	cp.InstanceIDs = append([]string(nil), c.InstanceIDs...)
	cp.SuccessList = append([]string(nil), c.SuccessList...)
	cp.ErrorList = append([]Failure(nil), c.ErrorList...)
	if c.Progress != nil {
		p := *c.Progress
		p.Partners = append([]string(nil), c.Progress.Partners...)
		cp.Progress = &p
	}
	return &cp
}
