package model

import (
	"fmt"
	"math"
	"strings"
)

// PeriodMode selects whose clock a restock period is measured on.
type PeriodMode string

const (
	// PeriodModeGlobal advances one shared clock by whole periods.
	PeriodModeGlobal PeriodMode = "global"
	// PeriodModePlayer restarts the clock at each consumer's access.
	PeriodModePlayer PeriodMode = "player"
)

// RestockMode selects whether a refill clears the inventory first.
type RestockMode string

const (
	RestockModeMerge   RestockMode = "merge"
	RestockModeReplace RestockMode = "replace"
)

// ParsePeriodMode accepts the mode names case-insensitively.
func ParsePeriodMode(s string) (PeriodMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(PeriodModeGlobal):
		return PeriodModeGlobal, nil
	case string(PeriodModePlayer), "per_consumer", "consumer":
		return PeriodModePlayer, nil
	}
	return "", fmt.Errorf("unknown period mode %q", s)
}

// ParseRestockMode accepts the mode names case-insensitively.
func ParseRestockMode(s string) (RestockMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(RestockModeMerge):
		return RestockModeMerge, nil
	case string(RestockModeReplace):
		return RestockModeReplace, nil
	}
	return "", fmt.Errorf("unknown restock mode %q", s)
}

// RestockPolicy is the per-container restock configuration.
type RestockPolicy struct {
	// Name scopes the loot-limit bypass permission. Empty means the
	// "any container" permission applies.
	Name          string      `json:"name,omitempty" yaml:"name" bson:"name,omitempty"`
	PeriodSeconds int64       `json:"period" yaml:"period" bson:"period"`
	PeriodMode    PeriodMode  `json:"period_mode" yaml:"period_mode" bson:"period_mode"`
	RestockMode   RestockMode `json:"restock_mode" yaml:"restock_mode" bson:"restock_mode"`
	PreserveSlots bool        `json:"preserve_slots" yaml:"preserve_slots" bson:"preserve_slots"`
	Unique        bool        `json:"unique" yaml:"unique" bson:"unique"`
	// PlayerLimit caps successful restocks per consumer; negative is unlimited.
	PlayerLimit int `json:"player_limit" yaml:"player_limit" bson:"player_limit"`
}

// DefaultPolicy returns a policy that restocks every access with no cap.
func DefaultPolicy() RestockPolicy {
	return RestockPolicy{
		PeriodMode:  PeriodModeGlobal,
		RestockMode: RestockModeMerge,
		PlayerLimit: -1,
	}
}

// MaxPeriodSeconds is the longest period whose millisecond form fits in
// an int64.
const MaxPeriodSeconds = math.MaxInt64 / 1000

// PeriodMillis returns the period in milliseconds.
func (p RestockPolicy) PeriodMillis() int64 {
	return p.PeriodSeconds * 1000
}

// Unlimited reports whether the policy puts no cap on loot grants.
func (p RestockPolicy) Unlimited() bool {
	return p.PlayerLimit < 0
}

// Normalize fills empty modes and validates the rest.
func (p *RestockPolicy) Normalize() error {
	if p.PeriodSeconds < 0 || p.PeriodSeconds > MaxPeriodSeconds {
		return fmt.Errorf("period must be between 0 and %d, got %d", MaxPeriodSeconds, p.PeriodSeconds)
	}
	pm, err := ParsePeriodMode(string(p.PeriodMode))
	if err != nil {
		return err
	}
	rm, err := ParseRestockMode(string(p.RestockMode))
	if err != nil {
		return err
	}
	p.PeriodMode = pm
	p.RestockMode = rm
	return nil
}
