package holdem

import "fmt"

// TableConfig carries the fixed parameters of one table.
type TableConfig struct {
	SmallBlind        int64
	BigBlind          int64
	MaxSeats          int
	InitialStack      int64
	ActionTimeoutMs   int64
	MinPlayersToStart int
	Seed              string
}

func (c TableConfig) Validate() error {
	if c.MaxSeats < 2 || c.MaxSeats > 9 {
		return fmt.Errorf("MaxSeats must be in [2,9], got %d", c.MaxSeats)
	}
	if c.SmallBlind < 0 || c.BigBlind <= 0 || c.SmallBlind > c.BigBlind {
		return fmt.Errorf("invalid blinds: sb=%d bb=%d", c.SmallBlind, c.BigBlind)
	}
	if c.InitialStack <= 0 {
		return fmt.Errorf("InitialStack must be > 0")
	}
	if c.ActionTimeoutMs <= 0 {
		return fmt.Errorf("ActionTimeoutMs must be > 0")
	}
	if c.MinPlayersToStart < 2 {
		return fmt.Errorf("MinPlayersToStart must be >= 2")
	}
	if c.MinPlayersToStart > c.MaxSeats {
		return fmt.Errorf("MinPlayersToStart must be <= MaxSeats")
	}
	if c.Seed == "" {
		return fmt.Errorf("Seed must not be empty")
	}
	return nil
}
