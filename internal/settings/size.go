package settings

import (
	humanize "github.com/dustin/go-humanize"
)

// parseSize accepts plain integers and byte sizes such as "4KiB" or "2MB".
func parseSize(raw string) (int64, error) {
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
