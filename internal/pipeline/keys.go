package pipeline

import (
	"fmt"
	"path"
	"time"
)

const dateLayout = "2006-01-02"

// SourcePrefix returns the key prefix holding the logs of date, e.g. "incoming/2023-06-15".
func SourcePrefix(root string, date time.Time) string {
	return path.Join(root, date.Format(dateLayout))
}

// DestinationPrefix returns the key prefix an archive for date is uploaded
// under. The month is unpadded ("archive/2023/6") unless padMonth is set,
// matching the layout existing archive readers expect.
func DestinationPrefix(root string, date time.Time, padMonth bool) string {
	month := fmt.Sprintf("%d", int(date.Month()))
	if padMonth {
		month = fmt.Sprintf("%02d", int(date.Month()))
	}
	return path.Join(root, fmt.Sprintf("%04d", date.Year()), month)
}

// ArchiveBaseName is the archive file name for date without its extension.
func ArchiveBaseName(date time.Time) string {
	return date.Format(dateLayout)
}

// ParseDate parses a YYYY-MM-DD target date.
func ParseDate(s string) (time.Time, error) {
	d, err := time.ParseInLocation(dateLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid target date %q, want YYYY-MM-DD: %w", s, err)
	}
	return d, nil
}

// Yesterday returns the calendar day before now.
func Yesterday(now time.Time) time.Time {
	y, m, d := now.AddDate(0, 0, -1).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}

func lockKey(job Job) string {
	return "logarchiver:run:" + job.SourcePrefix
}
