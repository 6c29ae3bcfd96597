// Package structs holds the types shared between the spider servers:
// reservations, exposed functions, jobs, and the control-flow errors that
// pass between the page getter, the plugin invoker, and the worker.
package structs

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/cronexpr"
)

// ReservedArguments are argument names plugins may not declare as required
// or optional. The last two are capability arguments injected by the
// invoker, never supplied by accounts.
var ReservedArguments = []string{
	"reservation_function_name",
	"reservation_created",
	"reservation_next_request",
	"reservation_error",
	"reservation_uuid",
	"reservation_fast_cache",
}

// IsReservedArgument returns true if name may not be used as a plugin
// argument.
func IsReservedArgument(name string) bool {
	for _, r := range ReservedArguments {
		if r == name {
			return true
		}
	}
	return false
}

// Invocation is the payload handed to a plugin when it fires. Args carries
// the account-derived keyword arguments. ReservationUUID is populated only
// when the plugin registered with WantsUUID, FastCache only with
// WantsFastCache.
type Invocation struct {
	Args            map[string]string
	ReservationUUID string
	FastCache       []byte
}

// PluginFunc is the signature of an exposed function.
type PluginFunc func(ctx context.Context, inv *Invocation) (interface{}, error)

// ExposedFunction describes a registered plugin. Exactly one of Interval or
// Schedule should be set for recurring plugins; both zero means the plugin
// is one-shot.
type ExposedFunction struct {
	// Name is the dotted/slashed plugin path, stored lowercase.
	Name string

	Func PluginFunc

	// Interval between fires. Zero means one-shot unless Schedule is set.
	Interval time.Duration

	// Schedule is an optional cron expression used instead of Interval.
	Schedule *cronexpr.Expression

	RequiredArgs []string
	OptionalArgs []string

	// WantsUUID asks the invoker to populate Invocation.ReservationUUID.
	WantsUUID bool

	// WantsFastCache asks the invoker to populate Invocation.FastCache
	// with the reservation's fast-cache blob.
	WantsFastCache bool

	// Exposed marks the function as reachable through the HTTP interface.
	Exposed bool
}

// Recurring returns true if the function fires on a timer.
func (e *ExposedFunction) Recurring() bool {
	return e.Interval > 0 || e.Schedule != nil
}

// NextFire returns when a reservation for this function should fire next.
func (e *ExposedFunction) NextFire(now time.Time) time.Time {
	if e.Schedule != nil {
		return e.Schedule.Next(now)
	}
	return now.Add(e.Interval)
}

// Service returns the service portion of the function name, the part before
// the first slash.
func (e *ExposedFunction) Service() string {
	return ServiceName(e.Name)
}

// ServiceName extracts the service from a function name such as
// "flickr/getfavorites".
func ServiceName(functionName string) string {
	if idx := strings.Index(functionName, "/"); idx >= 0 {
		return functionName[:idx]
	}
	return functionName
}

// Job is a hydrated reservation ready for dispatch: the resolved function
// name, the reservation UUID in hex form, and the account row backing it.
// Jobs are what the worker memoizes in the account cache.
type Job struct {
	FunctionName string            `json:"function_name"`
	UUID         string            `json:"uuid"`
	Account      map[string]string `json:"account"`
}

// NewUUID returns a fresh random reservation UUID rendered as 32 hex
// characters.
func NewUUID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// ParseUUID decodes a reservation UUID from its 32 hex character wire form
// into the raw 16 bytes used inside the scheduler heap. Dashed forms are
// accepted too.
func ParseUUID(s string) ([16]byte, error) {
	var out [16]byte
	s = strings.ReplaceAll(strings.TrimSpace(s), "-", "")
	if len(s) != 32 {
		return out, fmt.Errorf("uuid %q is not 32 hex characters", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("uuid %q is not valid hex: %w", s, err)
	}
	copy(out[:], b)
	return out, nil
}

// UUIDHex renders raw UUID bytes as the 32 hex character wire form.
func UUIDHex(b [16]byte) string {
	return hex.EncodeToString(b[:])
}
