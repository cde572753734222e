package stats

import "fmt"

// FormatHashrate renders a hashes-per-second figure at the largest unit
// that keeps the mantissa above 1, e.g. 1500000 -> "1.50 MH/s".
func FormatHashrate(hashrateHS float64) string {
	switch {
	case hashrateHS >= 1e12:
		return fmt.Sprintf("%.2f TH/s", hashrateHS/1e12)
	case hashrateHS >= 1e9:
		return fmt.Sprintf("%.2f GH/s", hashrateHS/1e9)
	case hashrateHS >= 1e6:
		return fmt.Sprintf("%.2f MH/s", hashrateHS/1e6)
	case hashrateHS >= 1e3:
		return fmt.Sprintf("%.2f KH/s", hashrateHS/1e3)
	default:
		return fmt.Sprintf("%.2f H/s", hashrateHS)
	}
}

// FormatDuration renders a duration given in seconds as a short
// human-readable string, e.g. "3 hours, 12 minutes".
func FormatDuration(seconds float64) string {
	s := int64(seconds)
	switch {
	case s < 60:
		return fmt.Sprintf("%d seconds", s)
	case s < 3600:
		return fmt.Sprintf("%d minutes, %d seconds", s/60, s%60)
	case s < 86400:
		return fmt.Sprintf("%d hours, %d minutes", s/3600, (s%3600)/60)
	default:
		return fmt.Sprintf("%d days, %d hours", s/86400, (s%86400)/3600)
	}
}
