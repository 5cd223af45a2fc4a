package chatkit

// NoTripKey is the context key used when no trip is selected.
const NoTripKey = "standalone"

// ChatMode selects how the assistant behaves for a session.
const (
	ChatModeChat  = "chat"
	ChatModeAgent = "agent"
)

// Context is the travel context a session is bound to. The zero value means no
// trip is selected.
type Context struct {
	TripID        string `json:"tripId,omitempty"`
	TripName      string `json:"tripName,omitempty"`
	DestinationID string `json:"destinationId,omitempty"`
}

// Key returns the context key used to scope active-conversation pointers: the
// trip id, or NoTripKey when no trip is selected.
func (c Context) Key() string {
	if c.TripID == "" {
		return NoTripKey
	}
	return c.TripID
}
