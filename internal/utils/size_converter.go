package utils

import (
	"fmt"
	"math"
)

// ConvertBytesToHumanReadable renders a byte count using binary (1024-based)
// units, e.g. 1536 -> "1.5 KB".
func ConvertBytesToHumanReadable(size int64) string {
	if size == 0 {
		return "0 B"
	}

	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}

	magnitude := int64(math.Log(float64(size)) / math.Log(unit))
	suffix := "KMGTPE"[magnitude-1]
	return fmt.Sprintf("%.1f %cB", float64(size)/math.Pow(unit, float64(magnitude)), suffix)
}
