package traffic

import (
	"fmt"
	"strings"
)

// Kind is the closed set of traffic objects the car reacts to.
type Kind int

const (
	RedLight Kind = iota
	YellowLight
	GreenLight
	Pedestrian
	Yield
	StopSign
	SpeedLimit
)

var kindNames = [...]string{
	RedLight:    "red_light",
	YellowLight: "yellow_light",
	GreenLight:  "green_light",
	Pedestrian:  "pedestrian",
	Yield:       "yield",
	StopSign:    "stop_sign",
	SpeedLimit:  "speed_limit",
}

// Kinds lists every Kind in declaration order.
var Kinds = []Kind{RedLight, YellowLight, GreenLight, Pedestrian, Yield, StopSign, SpeedLimit}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind maps a config key such as "stop_sign" back to its Kind.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown traffic object kind %q", s)
}

// IsLight reports whether k is one of the three traffic light colours.
func (k Kind) IsLight() bool {
	return k == RedLight || k == YellowLight || k == GreenLight
}

// Handler is the policy bound to one label id. Limit is only read for SpeedLimit.
type Handler struct {
	Kind  Kind
	Limit int
}

func (h Handler) String() string {
	if h.Kind == SpeedLimit {
		return fmt.Sprintf("%s(%d)", h.Kind, h.Limit)
	}
	return h.Kind.String()
}
