package monitor

import (
	"fmt"

	"github.com/fyrsmithlabs/ragd/internal/quota"
)

// FormatPercentage formats a percentage value (0-100) as "X.X%"
func FormatPercentage(pct float64) string {
	return fmt.Sprintf("%.1f%%", pct)
}

// FormatBytes formats a size in bytes as "X.X MB" or "X.X GB" or "X B"
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatUsage renders current against max for a dimension. A max of zero
// means the plan sets no limit.
func FormatUsage(dim quota.Dimension, ds quota.DimensionStatus) string {
	format := func(v int64) string { return fmt.Sprintf("%d", v) }
	if dim == quota.DimStorageBytes {
		format = FormatBytes
	}
	if ds.Max <= 0 {
		return format(ds.Current) + " / unlimited"
	}
	s := format(ds.Current) + " / " + format(ds.Max)
	if ds.Pending > 0 {
		s += fmt.Sprintf(" (+%s pending)", format(ds.Pending))
	}
	return s
}

// DimensionLabel is the dashboard label of a dimension.
func DimensionLabel(dim quota.Dimension) string {
	switch dim {
	case quota.DimDocuments:
		return "Documents"
	case quota.DimVectors:
		return "Vectors"
	case quota.DimStorageBytes:
		return "Storage"
	case quota.DimUploads:
		return "Uploads"
	case quota.DimQueries:
		return "Queries"
	default:
		return string(dim)
	}
}
