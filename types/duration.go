package types

import (
	"fmt"
	"time"
)

const microsPerDay = int64(24 * time.Hour / time.Microsecond)

// DurationString formats d as "[D ]HH:MM:SS[.ffffff]".
// Days and microseconds are only shown when non-zero. Negative durations
// borrow whole days, so -1s renders as "-1 23:59:59".
func DurationString(d time.Duration) string {
	micros := d.Microseconds()

	days := micros / microsPerDay
	rem := micros % microsPerDay
	if rem < 0 {
		days--
		rem += microsPerDay
	}

	seconds := rem / 1e6
	fraction := rem % 1e6

	s := fmt.Sprintf("%02d:%02d:%02d", seconds/3600, seconds%3600/60, seconds%60)
	if days != 0 {
		s = fmt.Sprintf("%d %s", days, s)
	}
	if fraction != 0 {
		s += fmt.Sprintf(".%06d", fraction)
	}
	return s
}
