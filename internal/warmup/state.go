package warmup

import (
	"time"

	"github.com/foxzi/wacast/internal/campaign"
	"github.com/foxzi/wacast/internal/metrics"
)

// MaxPhase is the last phase; meeting its quota finishes the warm-up
const MaxPhase = 10

var phaseQuotas = [MaxPhase]int{5, 10, 15, 25, 35, 50, 75, 100, 125, 150}

const dayLayout = "2006-01-02"

// Quota returns the message quota of phase. Out of range phases are clamped.
func Quota(phase int) int {
	switch {
	case phase < 1:
		phase = 1
	case phase > MaxPhase:
		phase = MaxPhase
	}
	return phaseQuotas[phase-1]
}

// TotalQuota is the number of messages of a complete warm-up
func TotalQuota() int {
	total := 0
	for _, q := range phaseQuotas {
		total += q
	}
	return total
}

// State is the pacing state of one campaign. Only the campaign task touches it.
type State struct {
	Phase           int
	PhaseSent       int
	SentToday       int
	SentThisSession int
	Day             string
}

// NewState starts at phase 1
func NewState(now time.Time) *State {
	return &State{Phase: 1, Day: now.Format(dayLayout)}
}

// Rollover resets the daily counter when the calendar day changed
func (s *State) Rollover(now time.Time) bool {
	today := now.Format(dayLayout)
	if today == s.Day {
		return false
	}
	s.Day = today
	s.SentToday = 0
	return true
}

// QuotaMet reports whether the active phase has sent its quota
func (s *State) QuotaMet() bool {
	return s.PhaseSent >= Quota(s.Phase)
}

// Advance moves to the next phase.
// It returns false when the final phase is already active.
func (s *State) Advance() bool {
	if s.Phase >= MaxPhase {
		return false
	}
	s.Phase++
	s.PhaseSent = 0
	metrics.IncPhaseAdvance(metrics.PhaseLabel(s.Phase))
	return true
}

// RecordSent counts one delivered message
func (s *State) RecordSent() {
	s.PhaseSent++
	s.SentToday++
	s.SentThisSession++
}

// Progress returns the snapshot published to polling clients
func (s *State) Progress() campaign.Progress {
	return campaign.Progress{
		Phase:           s.Phase,
		PhaseQuota:      Quota(s.Phase),
		PhaseSent:       s.PhaseSent,
		SentToday:       s.SentToday,
		SentThisSession: s.SentThisSession,
	}
}
