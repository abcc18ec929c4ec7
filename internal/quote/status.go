package quote

import "fmt"

// Status is the believed lifecycle position of a deal.
type Status string

const (
	StatusCreated         Status = "created"
	StatusFunded          Status = "funded"
	StatusPendingApproval Status = "pending_approval"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
	StatusExpired         Status = "expired"
	StatusDisputed        Status = "disputed"
)

var allStatuses = []Status{
	StatusCreated,
	StatusFunded,
	StatusPendingApproval,
	StatusFilled,
	StatusCancelled,
	StatusExpired,
	StatusDisputed,
}

// forward lists the direct edges of the deal state machine.
var forward = map[Status][]Status{
	StatusCreated:         {StatusFunded, StatusCancelled, StatusExpired},
	StatusFunded:          {StatusPendingApproval, StatusCancelled, StatusExpired},
	StatusPendingApproval: {StatusFilled, StatusCancelled, StatusExpired, StatusDisputed},
}

// ParseStatus validates a textual status.
func ParseStatus(v string) (Status, error) {
	for _, s := range allStatuses {
		if string(s) == v {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown quote status %q", v)
}

// Statuses returns every known status in lifecycle order.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func (s Status) String() string { return string(s) }

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Frozen reports whether automatic reconciliation must leave the deal alone.
// Disputed deals are not terminal but only manual intervention may move them.
func (s Status) Frozen() bool {
	return s.Terminal() || s == StatusDisputed
}

// CanReach reports whether to is reachable from s through one or more
// forward edges. A status never reaches itself.
func (s Status) CanReach(to Status) bool {
	seen := map[Status]bool{s: true}
	queue := []Status{s}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range forward[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}
