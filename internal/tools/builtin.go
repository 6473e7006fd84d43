package tools

import (
	"context"
	"time"
)

// dateLayout renders "Monday, 2026-08-24 18:03:41".
const dateLayout = "Monday, 2006-01-02 15:04:05"

// GetDate reports the current date and time in UTC. It ignores its
// arguments.
func GetDate(_ context.Context, _ string) (string, error) {
	return time.Now().UTC().Format(dateLayout) + " in UTC", nil
}

// RegisterBuiltins installs the in-process tools every proxy instance
// serves. Currently that is getDateTool.
func RegisterBuiltins(r *Registry) error {
	return r.Register(Definition{
		Name:        "getDateTool",
		Description: "get information about the current day",
		InputSchema: `{"type":"object","properties":{},"required":[]}`,
	}, GetDate)
}
