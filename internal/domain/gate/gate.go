// Package gate decides whether a profile satisfies a partner-defined
// verification gate. Failing a gate is a normal outcome reported as a
// Decision, not an error.
package gate

import (
	"fmt"

	"github.com/okian/klyro/internal/config"
	"github.com/okian/klyro/internal/domain/model"
)

// Rejection reasons.
const (
	ReasonUnknownGate       = "unknown_gate"
	ReasonSubjectNotFound   = "subject_not_found"
	ReasonProfileIncomplete = "profile_incomplete"
	ReasonCodeHostRequired  = "code_host_required"
	ReasonScoreTooLow       = "score_below_minimum"
	ReasonWorthTooLow       = "worth_below_minimum"
	ReasonNotEnoughWins     = "not_enough_hackathon_wins"
)

// Decision is the outcome of one verification.
type Decision struct {
	Gate    string  `json:"gate"`
	Passed  bool    `json:"passed"`
	Reason  string  `json:"reason,omitempty"`
	Message string  `json:"message,omitempty"`
	UserID  string  `json:"userId,omitempty"`
	Score   float64 `json:"score"`
	Worth   float64 `json:"worth"`
	Wins    int     `json:"hackathonWins"`
}

// Reject builds a failed decision.
func Reject(gate, reason, msg string) Decision {
	return Decision{Gate: gate, Reason: reason, Message: msg}
}

// Evaluate checks p against the named gate in cfg.
func Evaluate(name string, cfg *config.PlatformConfig, p *model.Profile) Decision {
	if cfg == nil {
		cfg = config.DefaultPlatform()
	}
	g, ok := cfg.Gates[name]
	if !ok {
		return Reject(name, ReasonUnknownGate, fmt.Sprintf("gate %q is not defined", name))
	}
	if p == nil {
		return Reject(name, ReasonSubjectNotFound, "subject could not be resolved")
	}

	d := Decision{Gate: name, UserID: p.User.ID.String()}
	if p.User.Status != model.StatusCompleted || p.Score == nil || p.Worth == nil {
		d.Reason = ReasonProfileIncomplete
		d.Message = fmt.Sprintf("profile status is %s", p.User.Status)
		return d
	}
	d.Score = p.Score.Total
	d.Worth = p.Worth.Total
	if p.Badges != nil {
		d.Wins = p.Badges.Wins.Count
	}

	switch {
	case g.RequireCodeHost && (p.User.Username == "" || p.CodeHost == nil):
		d.Reason = ReasonCodeHostRequired
		d.Message = "a linked code-host account is required"
	case d.Score < g.MinScore:
		d.Reason = ReasonScoreTooLow
		d.Message = fmt.Sprintf("score %.2f is below %.2f", d.Score, g.MinScore)
	case d.Worth < g.MinWorth:
		d.Reason = ReasonWorthTooLow
		d.Message = fmt.Sprintf("worth %.2f is below %.2f", d.Worth, g.MinWorth)
	case d.Wins < g.MinWins:
		d.Reason = ReasonNotEnoughWins
		d.Message = fmt.Sprintf("%d hackathon wins, %d required", d.Wins, g.MinWins)
	default:
		d.Passed = true
	}
	return d
}
