package store

import (
	"time"

	"dispatch/internal/domain"
)

// StatusTransition is a guarded update of a delivery record. The row is only
// touched when its current status is in From (if set) and not in NotFrom (if
// set). An empty To leaves the status as is; an empty TrackingID leaves the
// stored tracking id as is. Additional is merged key by key into the
// existing additional fields. With ResendableOnly a failed row only matches
// when a send attempt recorded the failure (see domain.MayResend).
type StatusTransition struct {
	ID             string
	To             domain.Status
	TrackingID     string
	Additional     map[string]any
	From           []domain.Status
	NotFrom        []domain.Status
	ResendableOnly bool
	Now            time.Time
}

// TrackingLookup finds a delivery by tracking key. Key matches the stored id
// exactly or as a prefix; TransportID, when set, is tried as an exact match
// if Key finds nothing.
type TrackingLookup struct {
	Channel     domain.Channel
	Key         string
	TransportID string
}

func Strings(in []domain.Status) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
