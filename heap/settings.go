package heap

import (
	"time"

	"github.com/cockroachdb/errors"

	s "github.com/joshuapare/heapkit/internal/settings"
)

// DefaultSettings returns DefaultConfig as a settings map.
//
// "alignment" (int64, default: 8)
//
//	Size-class granule.
//
// "small.max", "small.linesize", "small.pagesize" (int64)
//
//	Small object geometry.
//
// "medium.max", "medium.linesize", "medium.pagesize" (int64)
//
//	Medium object geometry.
//
// "large.alignment", "large.min", "large.max", "large.chunksize" (int64)
//
//	Large object geometry.
//
// "xlarge.alignment", "superchunk.size" (int64)
//
//	Extra-large granule and VM reservation unit.
//
// "scavenge.sleep" (int64, default: 512)
//
//	Scavenger sleep, in milliseconds.
//
// "scavenge.background" (bool, default: true)
//
//	Run the scavenger in its own goroutine.
func DefaultSettings() s.Settings {
	return configSettings(DefaultConfig)
}

func configSettings(c Config) s.Settings {
	return s.Settings{
		"alignment":           int64(c.Alignment),
		"small.max":           int64(c.SmallMax),
		"small.linesize":      int64(c.SmallLineSize),
		"small.pagesize":      int64(c.SmallPageSize),
		"medium.max":          int64(c.MediumMax),
		"medium.linesize":     int64(c.MediumLineSize),
		"medium.pagesize":     int64(c.MediumPageSize),
		"large.alignment":     int64(c.LargeAlignment),
		"large.min":           int64(c.LargeMin),
		"large.max":           int64(c.LargeMax),
		"large.chunksize":     int64(c.LargeChunkSize),
		"xlarge.alignment":    int64(c.XLargeAlignment),
		"superchunk.size":     int64(c.SuperChunkSize),
		"scavenge.sleep":      c.ScavengeSleep.Milliseconds(),
		"scavenge.background": c.BackgroundScavenger,
	}
}

// ConfigFromSettings builds and validates a Config. Keys missing from setts
// take their value from DefaultSettings.
func ConfigFromSettings(setts s.Settings) (Config, error) {
	setts = DefaultSettings().Mixin(setts)

	var c Config
	sizes := []struct {
		key string
		dst *uintptr
	}{
		{"alignment", &c.Alignment},
		{"small.max", &c.SmallMax},
		{"small.linesize", &c.SmallLineSize},
		{"small.pagesize", &c.SmallPageSize},
		{"medium.max", &c.MediumMax},
		{"medium.linesize", &c.MediumLineSize},
		{"medium.pagesize", &c.MediumPageSize},
		{"large.alignment", &c.LargeAlignment},
		{"large.min", &c.LargeMin},
		{"large.max", &c.LargeMax},
		{"large.chunksize", &c.LargeChunkSize},
		{"xlarge.alignment", &c.XLargeAlignment},
		{"superchunk.size", &c.SuperChunkSize},
	}
	for _, sz := range sizes {
		v, err := setts.Int64(sz.key)
		if err != nil {
			return Config{}, errors.Mark(err, ErrBadConfig)
		}
		if v <= 0 {
			return Config{}, errors.Wrapf(ErrBadConfig, "%s must be positive, got %d", sz.key, v)
		}
		*sz.dst = uintptr(v)
	}

	sleep, err := setts.Int64("scavenge.sleep")
	if err != nil {
		return Config{}, errors.Mark(err, ErrBadConfig)
	}
	if sleep < 0 {
		return Config{}, errors.Wrapf(ErrBadConfig, "scavenge.sleep must not be negative")
	}
	c.ScavengeSleep = time.Duration(sleep) * time.Millisecond

	if c.BackgroundScavenger, err = setts.Bool("scavenge.background"); err != nil {
		return Config{}, errors.Mark(err, ErrBadConfig)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Settings returns c as a settings map.
func (c Config) Settings() s.Settings { return configSettings(c) }
