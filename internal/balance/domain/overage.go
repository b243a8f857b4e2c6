package domain

import (
	"fmt"
	"strings"
)

// OverageBehaviour decides what happens when a deduction would push an
// entitlement past its floor.
type OverageBehaviour string

const (
	OverageCap    OverageBehaviour = "cap"
	OverageReject OverageBehaviour = "reject"
	OverageAllow  OverageBehaviour = "allow"
)

func ParseOverageBehaviour(raw string) (OverageBehaviour, error) {
	switch OverageBehaviour(strings.ToLower(strings.TrimSpace(raw))) {
	case OverageCap:
		return OverageCap, nil
	case OverageReject:
		return OverageReject, nil
	case OverageAllow:
		return OverageAllow, nil
	default:
		return "", fmt.Errorf("%w: overage behaviour %q", ErrInvalidRequest, raw)
	}
}
