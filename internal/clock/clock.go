// Package clock provides the current time as an overridable function so
// that tests can fake time without a real sleep.
package clock

import "time"

// Now returns the current UTC time. Tests may replace it with a fake clock.
var Now = func() time.Time {
	return time.Now().UTC()
}
