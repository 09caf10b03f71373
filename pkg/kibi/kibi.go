package kibi

// package kibi formats byte counts with binary (1024) units

import "fmt"

var units = []string{"KB", "MB", "GB", "TB", "PB"}

// FormatBytes returns a human readable size, such as "512 bytes", "3 KB" or "1.5 MB".
// Sizes under 10 units get one decimal place, unless they are whole.
func FormatBytes(b int64) string {
	if b < 1024 {
		return fmt.Sprintf("%v bytes", b)
	}
	v := float64(b)
	unit := ""
	for _, u := range units {
		v /= 1024
		unit = u
		if v < 1024 {
			break
		}
	}
	if v < 10 && v != float64(int64(v)) {
		return fmt.Sprintf("%.1f %v", v, unit)
	}
	return fmt.Sprintf("%.0f %v", v, unit)
}
