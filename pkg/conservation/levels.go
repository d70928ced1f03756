package conservation

// Level is the escalation band a readiness score falls into. Bands drive
// presentation and director attention, not kernel transitions.
type Level string

const (
	LevelCritical    Level = "CRITICAL"
	LevelAtRisk      Level = "AT_RISK"
	LevelProgressing Level = "PROGRESSING"
	LevelStaging     Level = "STAGING"
	LevelReady       Level = "READY"
)

// LevelFor maps a readiness score to its escalation band.
func LevelFor(r float64) Level {
	switch {
	case r < 0.2:
		return LevelCritical
	case r < 0.4:
		return LevelAtRisk
	case r < 0.6:
		return LevelProgressing
	case r < 0.8:
		return LevelStaging
	default:
		return LevelReady
	}
}

// Bottleneck names the weakest readiness factor, the dimension to improve
// first. Empty when all factors are zero.
func Bottleneck(l, p, v float64) string {
	if l == 0 && p == 0 && v == 0 {
		return ""
	}
	min := l
	name := "L"
	if p < min {
		min = p
		name = "P"
	}
	if v < min {
		name = "V"
	}
	return name
}
