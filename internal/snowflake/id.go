// Package snowflake provides a time ordered 64 bit ID generator.
package snowflake

import (
	"math/rand"
	"strconv"
	"time"
)

// ID is a 64 bit time ordered identifier.
type ID uint64

// Now returns a new ID for the current time.
func Now() ID {
	return TimeToID(time.Now())
}

// TimeToID converts a time.Time to a Snowflake ID.
func TimeToID(ts time.Time) ID {
	// 48 bits for time in milliseconds.
	// 16 bits for random.
	return ID(uint64(ts.UnixMilli())<<16 | uint64(rand.Intn(1<<16)))
}

// ToTime returns the time the ID was created.
func (id ID) ToTime() time.Time {
	return time.UnixMilli(int64(id >> 16))
}

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}
