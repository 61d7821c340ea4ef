package eventstore

import (
	"fmt"
	"strings"
	"time"
)

// WindowAnchor buckets an instant into a UTC window and formats the window
// start as YYYY-MM-DDTHH:MM:SSZ. Used inside idempotency keys so duplicate
// emissions within the same window collapse into one event.
func WindowAnchor(t time.Time, windowSec int) string {
	if windowSec <= 0 {
		windowSec = 1
	}
	epoch := t.Unix()
	anchored := (epoch / int64(windowSec)) * int64(windowSec)
	return time.Unix(anchored, 0).UTC().Format("2006-01-02T15:04:05Z")
}

// IdempotencyKey joins key parts with ":" in the canonical
// kind:ws:entity:trigger:anchor shape.
func IdempotencyKey(parts ...string) string {
	return strings.Join(parts, ":")
}

// SweepIdempotencyKey builds the cron sweep key
// cron:<sweep>:<ws>:<entity_type>:<entity_id>:<window_anchor>.
func SweepIdempotencyKey(sweep, workspaceID, entityType, entityID, anchor string) string {
	return fmt.Sprintf("cron:%s:%s:%s:%s:%s", sweep, workspaceID, entityType, entityID, anchor)
}
