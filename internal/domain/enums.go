// Package domain defines the core domain models for the chat core.
package domain

// Status represents where a message is in its delivery lifecycle.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses along the lifecycle. Unknown statuses rank below sending.
func (s Status) Rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Rank() > 0
}

// Advances reports whether moving from s to next is a forward transition.
// Equal or backward moves are rejected so duplicate events are no-ops.
func (s Status) Advances(next Status) bool {
	return next.Valid() && next.Rank() > s.Rank()
}

// Kind represents the content kind of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	return k == KindText || k == KindImage
}
