package units

import "time"

// KMHFromDistance returns the average speed in km/h for covering km kilometres
// in d. A non-positive duration yields 0 and ok=false.
func KMHFromDistance(km float64, d time.Duration) (float64, bool) {
	if d <= 0 {
		return 0, false
	}
	return km / d.Hours(), true
}
