package syncrec

import (
	"fmt"
	"strings"
)

// ConfigurationError reports malformed or mutually inconsistent user input.
// It is always raised before any device has been contacted.
type ConfigurationError struct {
	msg string
}

func (e *ConfigurationError) Error() string { return e.msg }

func configErrorf(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{msg: fmt.Sprintf(format, args...)}
}

// SyncSourceError means the device rejected the requested clock/time source.
type SyncSourceError struct {
	Source string
	Valid  []string
}

func (e *SyncSourceError) Error() string {
	return fmt.Sprintf("unknown sync source option %q: must be one of [%s]",
		e.Source, strings.Join(e.Valid, ", "))
}

// AntennaError means the device rejected the requested RX antenna.
type AntennaError struct {
	Channel int
	Antenna string
	Valid   []string
}

func (e *AntennaError) Error() string {
	return fmt.Sprintf("unknown RX antenna option %q on channel %d: must be one of [%s]",
		e.Antenna, e.Channel, strings.Join(e.Valid, ", "))
}

// ScheduleError reports an impossible start/end time request. It is raised
// before any device has been contacted.
type ScheduleError struct {
	msg string
}

func (e *ScheduleError) Error() string { return e.msg }

func scheduleErrorf(format string, args ...interface{}) *ScheduleError {
	return &ScheduleError{msg: fmt.Sprintf(format, args...)}
}
