package entity

// Level is the discretized risk band derived from a numeric score.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "none"
	}
}

// LevelFromScore maps a score in [0,1] onto a Level using the fixed bands:
// <0.20 none, <0.50 low, <0.80 medium, <0.95 high, >=0.95 critical.
func LevelFromScore(score float64) Level {
	switch {
	case score >= 0.95:
		return LevelCritical
	case score >= 0.80:
		return LevelHigh
	case score >= 0.50:
		return LevelMedium
	case score >= 0.20:
		return LevelLow
	default:
		return LevelNone
	}
}
