// Package strategy decides which data sources a collection run fetches.
//
// The Engine is a pure decision table over three inputs: the detected monitoring status of the workspace, the
// operator selected strategy mode and the static conflict level of each source. It has no hidden state and the
// same inputs always give the same decision.
package strategy

import (
	"fmt"

	"github.com/fabricla/connector/internal/common/collectorerrors"
)

// Decision is the verdict for one source in one run.
type Decision struct {
	Source        string        `json:"source"`
	Collect       bool          `json:"collect"`
	ReasonCode    string        `json:"reasonCode"`
	Reason        string        `json:"reason"`
	Alternative   string        `json:"alternative,omitempty"`
	ConflictLevel ConflictLevel `json:"conflictLevel"`
	Strategy      StrategyMode  `json:"strategy"`
}

type Engine struct {
	mode   StrategyMode
	status MonitoringStatus
}

// NewEngine validates both inputs; invalid values are rejected rather than coerced.
func NewEngine(mode StrategyMode, status MonitoringStatus) (*Engine, error) {
	if !validEnum(mode, strategyModes) {
		return nil, &collectorerrors.ErrInvalidArgument{Name: "strategy", Value: string(mode), Message: "must be one of " + joinEnum(strategyModes)}
	}
	if !validEnum(status, monitoringStatuses) {
		return nil, &collectorerrors.ErrInvalidArgument{Name: "monitoringStatus", Value: string(status), Message: "must be one of " + joinEnum(monitoringStatuses)}
	}
	return &Engine{mode: mode, status: status}, nil
}

func (e *Engine) Mode() StrategyMode {
	return e.mode
}

func (e *Engine) Status() MonitoringStatus {
	return e.status
}

// Decide returns the decision for a catalogued source. Sources missing from the catalogue have an unknown
// conflict level.
func (e *Engine) Decide(source string) Decision {
	return e.decide(source, ConflictLevelOf(source))
}

// DecideAll decides every source in order.
func (e *Engine) DecideAll(sources []string) []Decision {
	decisions := make([]Decision, len(sources))
	for i, s := range sources {
		decisions[i] = e.Decide(s)
	}
	return decisions
}

// DecideWithConflict applies the decision table with an explicit conflict level. Levels outside the known set
// are rejected.
func (e *Engine) DecideWithConflict(source string, level ConflictLevel) (Decision, error) {
	if !validEnum(level, conflictLevels) {
		return Decision{}, &collectorerrors.ErrInvalidArgument{Name: "conflictLevel", Value: string(level), Message: "must be one of " + joinEnum(conflictLevels)}
	}
	return e.decide(source, level), nil
}

func (e *Engine) decide(source string, level ConflictLevel) Decision {
	d := Decision{
		Source:        source,
		ConflictLevel: level,
		Strategy:      e.mode,
	}

	switch e.mode {
	case ModeFull:
		d.Collect = true
		d.ReasonCode = "full_strategy_override"
		d.Reason = "full strategy collects every source regardless of monitoring coverage"
	case ModeComplement:
		d.Collect = level == ConflictNone
		d.ReasonCode = "complement_strategy_avoid_conflicts"
		if d.Collect {
			d.Reason = "complement strategy: source does not overlap with workspace monitoring"
		} else {
			d.Reason = fmt.Sprintf("complement strategy: source conflicts with workspace monitoring coverage (conflict level %s)", level)
		}
	case ModeMinimal:
		d.Collect = IsMinimalSource(source)
		d.ReasonCode = "minimal_strategy_core_only"
		if d.Collect {
			d.Reason = "minimal strategy: core source with unique value"
		} else {
			d.Reason = "minimal strategy: only core sources are collected"
		}
	default:
		e.decideAuto(&d)
	}

	if !d.Collect && level == ConflictHigh {
		d.Alternative = AlternativeMonitoringEventhouse
	}
	return d
}

func (e *Engine) decideAuto(d *Decision) {
	switch e.status {
	case MonitoringEnabled:
		d.Collect = d.ConflictLevel == ConflictNone
		if info, ok := sources[d.Source]; ok {
			d.ReasonCode = info.EnabledReason
		} else {
			d.ReasonCode = "unknown_source_conservative_approach"
		}
		if d.Collect {
			d.Reason = "workspace monitoring is enabled but does not cover this source"
		} else {
			d.Reason = fmt.Sprintf("already covered by workspace monitoring (conflict level %s)", d.ConflictLevel)
		}
	case MonitoringDisabled:
		d.Collect = true
		d.ReasonCode = "workspace_monitoring_disabled"
		d.Reason = "workspace monitoring is disabled; collecting everything"
	default:
		d.Collect = IsMinimalSource(d.Source)
		if d.Collect {
			d.ReasonCode = "unique_value_always_safe"
			d.Reason = "monitoring status unknown; core source is always safe to collect"
		} else {
			d.ReasonCode = "unknown_monitoring_status_conservative_approach"
			d.Reason = "monitoring status unknown; skipping sources that may already be covered"
		}
	}
}
