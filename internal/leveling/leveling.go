// Package leveling holds the experience thresholds for player levels.
package leveling

// XPPerLevel is the experience multiplier for the next-level threshold.
const XPPerLevel = 100

// LevelUpInfo describes the result of applying experience to a level.
type LevelUpInfo struct {
	OldLevel     int `json:"oldLevel"`
	NewLevel     int `json:"newLevel"`
	LevelsGained int `json:"levelsGained"`
}

// Threshold returns the cumulative experience at which a player at the given
// level advances to the next one.
func Threshold(level int) int {
	if level < 1 {
		level = 1
	}
	return level * XPPerLevel
}

// XPToNextLevel returns how much more experience is needed to level up.
func XPToNextLevel(level, experience int) int {
	remaining := Threshold(level) - experience
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Apply advances level for as long as experience meets the current
// threshold, so one large gain can cross several levels. Experience is
// cumulative and is not consumed.
func Apply(level, experience int) LevelUpInfo {
	if level < 1 {
		level = 1
	}
	info := LevelUpInfo{OldLevel: level, NewLevel: level}
	for experience >= Threshold(info.NewLevel) {
		info.NewLevel++
	}
	info.LevelsGained = info.NewLevel - info.OldLevel
	return info
}
