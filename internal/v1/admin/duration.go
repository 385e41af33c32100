package admin

import (
	"fmt"
	"time"
)

// formatDuration renders d as "Nd Nh Nm Ns" component breakdown, per
// the admin snapshot format. Components of zero size are still
// included down to seconds so every value has the same shape.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second

	return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
}
