package player

import "fmt"

// Stats are the aggregate counters shown on the profile. All of them only
// ever grow.
type Stats struct {
	BattlesWon      int `json:"battlesWon"`
	RegionsExplored int `json:"regionsExplored"`
	TotalTokens     int `json:"totalTokens"`
}

func (s Stats) validate() error {
	if s.BattlesWon < 0 || s.RegionsExplored < 0 || s.TotalTokens < 0 {
		return fmt.Errorf("%w: negative stats %+v", ErrInvalidProfile, s)
	}
	return nil
}

func (s Stats) validateSuccessor(next Stats) error {
	switch {
	case next.BattlesWon < s.BattlesWon:
		return fmt.Errorf("%w: battlesWon decreased from %d to %d", ErrInvalidProfile, s.BattlesWon, next.BattlesWon)
	case next.RegionsExplored < s.RegionsExplored:
		return fmt.Errorf("%w: regionsExplored decreased from %d to %d", ErrInvalidProfile, s.RegionsExplored, next.RegionsExplored)
	case next.TotalTokens < s.TotalTokens:
		return fmt.Errorf("%w: totalTokens decreased from %d to %d", ErrInvalidProfile, s.TotalTokens, next.TotalTokens)
	}
	return nil
}
