package types

import (
	"errors"
	"fmt"
)

// Level is a tier in the bottom-up aggregation tree.
type Level uint8

const (
	LevelUnknown Level = iota
	LevelIndividual
	LevelGroup
	LevelRegion
	LevelGlobal
)

// ErrUnknownLevel is returned when parsing an unrecognized level name.
var ErrUnknownLevel = errors.New("unknown aggregation level")

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelIndividual:
		return "individual"
	case LevelGroup:
		return "group"
	case LevelRegion:
		return "region"
	case LevelGlobal:
		return "global"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(l))
	}
}

// ParseLevel parses a level name.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "individual":
		return LevelIndividual, nil
	case "group":
		return LevelGroup, nil
	case "region":
		return LevelRegion, nil
	case "global":
		return LevelGlobal, nil
	default:
		return LevelUnknown, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
	}
}

// Next returns the parent tier, or false at the root.
func (l Level) Next() (Level, bool) {
	switch l {
	case LevelIndividual:
		return LevelGroup, true
	case LevelGroup:
		return LevelRegion, true
	case LevelRegion:
		return LevelGlobal, true
	default:
		return LevelUnknown, false
	}
}

// PartitionState describes the network condition the timing guard has
// inferred from recent consensus events. It drives the active consensus
// threshold and the staleness jitter range.
type PartitionState uint8

const (
	PartitionNormal PartitionState = iota
	PartitionPartitioned
	PartitionAttackSuspected
)

// String returns the state name.
func (p PartitionState) String() string {
	switch p {
	case PartitionNormal:
		return "NORMAL"
	case PartitionPartitioned:
		return "PARTITIONED"
	case PartitionAttackSuspected:
		return "ATTACK_SUSPECTED"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// DataClass categorizes the statistical data a staleness window protects.
// Each class carries its own base window so an observer cannot infer one
// threshold from another.
type DataClass uint8

const (
	DataBaseline DataClass = iota
	DataAnomaly
	DataCorrelation
	DataConfidence
	DataPopulation
)

// ParseDataClass parses a class name.
func ParseDataClass(s string) (DataClass, error) {
	switch s {
	case "baseline":
		return DataBaseline, nil
	case "anomaly":
		return DataAnomaly, nil
	case "correlation":
		return DataCorrelation, nil
	case "confidence":
		return DataConfidence, nil
	case "population":
		return DataPopulation, nil
	default:
		return DataBaseline, fmt.Errorf("unknown data class %q", s)
	}
}

// String returns the class name.
func (d DataClass) String() string {
	switch d {
	case DataBaseline:
		return "baseline"
	case DataAnomaly:
		return "anomaly"
	case DataCorrelation:
		return "correlation"
	case DataConfidence:
		return "confidence"
	case DataPopulation:
		return "population"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(d))
	}
}
