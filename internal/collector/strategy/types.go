package strategy

import (
	"strings"

	"github.com/fabricla/connector/internal/common/collectorerrors"
)

// MonitoringStatus is whether the workspace already feeds its telemetry to a built-in monitoring store.
type MonitoringStatus string

const (
	MonitoringEnabled  MonitoringStatus = "enabled"
	MonitoringDisabled MonitoringStatus = "disabled"
	MonitoringUnknown  MonitoringStatus = "unknown"
)

// StrategyMode is the operator's choice of how aggressively to collect.
type StrategyMode string

const (
	ModeAuto       StrategyMode = "auto"
	ModeFull       StrategyMode = "full"
	ModeComplement StrategyMode = "complement"
	ModeMinimal    StrategyMode = "minimal"
)

// ConflictLevel says whether a source overlaps with what built-in monitoring already collects.
type ConflictLevel string

const (
	ConflictNone    ConflictLevel = "none"
	ConflictHigh    ConflictLevel = "high"
	ConflictUnknown ConflictLevel = "unknown"
)

var (
	monitoringStatuses = []MonitoringStatus{MonitoringEnabled, MonitoringDisabled, MonitoringUnknown}
	strategyModes      = []StrategyMode{ModeAuto, ModeFull, ModeComplement, ModeMinimal}
	conflictLevels     = []ConflictLevel{ConflictNone, ConflictHigh, ConflictUnknown}
)

func ParseMonitoringStatus(s string) (MonitoringStatus, error) {
	return parseEnum("monitoringStatus", s, monitoringStatuses)
}

func ParseStrategyMode(s string) (StrategyMode, error) {
	return parseEnum("strategy", s, strategyModes)
}

func ParseConflictLevel(s string) (ConflictLevel, error) {
	return parseEnum("conflictLevel", s, conflictLevels)
}

// Matching is case insensitive; anything else is rejected rather than coerced to a default.
func parseEnum[T ~string](name string, s string, valid []T) (T, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	for _, v := range valid {
		if string(v) == normalized {
			return v, nil
		}
	}
	var zero T
	return zero, &collectorerrors.ErrInvalidArgument{
		Name:    name,
		Value:   s,
		Message: "must be one of " + joinEnum(valid),
	}
}

func validEnum[T ~string](v T, valid []T) bool {
	for _, candidate := range valid {
		if v == candidate {
			return true
		}
	}
	return false
}

func joinEnum[T ~string](values []T) string {
	s := make([]string, len(values))
	for i, v := range values {
		s[i] = string(v)
	}
	return strings.Join(s, ", ")
}
