// Package units formats byte counts for log lines.
package units

import "fmt"

// BytesStringBase2 renders n using binary (1024-based) magnitude suffixes.
func BytesStringBase2(n int64) string {
	const unit = 1024

	if n < unit {
		return fmt.Sprintf("%d B", n)
	}

	div, exp := int64(unit), 0

	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
