package prediction

import (
	"fmt"
	"math"

	"github.com/rickgao/pointsminer/internal/pubsub"
)

// Strategy selects the outcome to bet on.
type Strategy string

const (
	MostUsers   Strategy = "most_users"
	MostPoints  Strategy = "most_points"
	HighestOdds Strategy = "highest_odds"
	// Smart follows the crowd when its user split is decisive and the
	// odds otherwise.
	Smart Strategy = "smart"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case MostUsers, MostPoints, HighestOdds, Smart:
		return true
	}
	return false
}

// StakeMode selects how the bet amount is computed.
type StakeMode string

const (
	StakePercentage StakeMode = "percentage"
	StakeConstant   StakeMode = "constant"
	StakeKelly      StakeMode = "kelly"
)

// Valid reports whether m is a known stake mode.
func (m StakeMode) Valid() bool {
	switch m {
	case StakePercentage, StakeConstant, StakeKelly:
		return true
	}
	return false
}

// Stake configures bet sizing.
type Stake struct {
	Mode          StakeMode `yaml:"mode"`
	Percentage    float64   `yaml:"percentage"`     // percent of balance
	Constant      int       `yaml:"constant"`       // fixed amount
	KellyFraction float64   `yaml:"kelly_fraction"` // share of the Kelly bet
	MaxPoints     int       `yaml:"max_points"`
	MinPoints     int       `yaml:"min_points"` // smallest accepted bet
}

// Odds returns the payout multiplier of o: the whole pool divided by the
// outcome's pool. Zero when the outcome has no points.
func Odds(o pubsub.Outcome, outcomes []pubsub.Outcome) float64 {
	if o.TotalPoints <= 0 {
		return 0
	}
	total := 0
	for _, x := range outcomes {
		total += x.TotalPoints
	}
	return float64(total) / float64(o.TotalPoints)
}

// UserShare returns the fraction of predicting users on o.
func UserShare(o pubsub.Outcome, outcomes []pubsub.Outcome) float64 {
	total := 0
	for _, x := range outcomes {
		total += x.TotalUsers
	}
	if total == 0 {
		return 0
	}
	return float64(o.TotalUsers) / float64(total)
}

// Pick returns the outcome to bet on. smartGap is the minimum user share
// difference, in percentage points, for Smart to follow the crowd.
func Pick(strategy Strategy, smartGap float64, outcomes []pubsub.Outcome) (pubsub.Outcome, error) {
	if len(outcomes) == 0 {
		return pubsub.Outcome{}, ErrNoOutcomes
	}

	switch strategy {
	case MostUsers:
		return maxBy(outcomes, func(o pubsub.Outcome) float64 { return float64(o.TotalUsers) }), nil
	case MostPoints:
		return maxBy(outcomes, func(o pubsub.Outcome) float64 { return float64(o.TotalPoints) }), nil
	case HighestOdds:
		return maxBy(outcomes, func(o pubsub.Outcome) float64 { return Odds(o, outcomes) }), nil
	case Smart:
		first, second := topTwoByUsers(outcomes)
		gap := (UserShare(first, outcomes) - UserShare(second, outcomes)) * 100
		if gap >= smartGap {
			return first, nil
		}
		return maxBy(outcomes, func(o pubsub.Outcome) float64 { return Odds(o, outcomes) }), nil
	}
	return pubsub.Outcome{}, fmt.Errorf("unknown strategy %q", strategy)
}

// Amount returns the stake for a bet on chosen, or 0 when no bet should be
// placed.
func (s Stake) Amount(balance int, chosen pubsub.Outcome, outcomes []pubsub.Outcome) int {
	var amount float64
	switch s.Mode {
	case StakePercentage:
		amount = float64(balance) * s.Percentage / 100
	case StakeConstant:
		amount = float64(s.Constant)
	case StakeKelly:
		odds := Odds(chosen, outcomes)
		if odds <= 1 {
			return 0
		}
		p := UserShare(chosen, outcomes)
		b := odds - 1
		f := (b*p - (1 - p)) / b
		if f <= 0 {
			return 0
		}
		amount = float64(balance) * f * s.KellyFraction
	default:
		return 0
	}

	n := int(math.Floor(amount))
	if s.MaxPoints > 0 && n > s.MaxPoints {
		n = s.MaxPoints
	}
	if n > balance {
		n = balance
	}
	if n < s.MinPoints || n <= 0 {
		return 0
	}
	return n
}

// maxBy returns the first outcome with the highest score.
func maxBy(outcomes []pubsub.Outcome, score func(pubsub.Outcome) float64) pubsub.Outcome {
	best := outcomes[0]
	bestScore := score(best)
	for _, o := range outcomes[1:] {
		if s := score(o); s > bestScore {
			best, bestScore = o, s
		}
	}
	return best
}

func topTwoByUsers(outcomes []pubsub.Outcome) (pubsub.Outcome, pubsub.Outcome) {
	first := maxBy(outcomes, func(o pubsub.Outcome) float64 { return float64(o.TotalUsers) })
	if len(outcomes) == 1 {
		return first, pubsub.Outcome{}
	}
	var second pubsub.Outcome
	found := false
	for _, o := range outcomes {
		if o.ID == first.ID {
			continue
		}
		if !found || o.TotalUsers > second.TotalUsers {
			second, found = o, true
		}
	}
	return first, second
}
