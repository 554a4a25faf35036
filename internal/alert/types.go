package alert

import (
	"strings"
	"time"
)

type Status string

const (
	StatusFiring   Status = "firing"
	StatusResolved Status = "resolved"
	StatusUnknown  Status = "unknown"
)

// ParseStatus is case-insensitive. Anything other than firing or resolved is StatusUnknown.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "firing":
		return StatusFiring
	case "resolved":
		return StatusResolved
	default:
		return StatusUnknown
	}
}

func (s Status) Known() bool { return s == StatusFiring || s == StatusResolved }

// Key is the dedup identity of an alert instance.
// Canonical form is "<name>" or "<name>|<fingerprint>"; a "|" or "\" in the
// name is backslash-escaped so the two forms never collide.
type Key string

const keySep = "|"

var keyNameEscaper = strings.NewReplacer(`\`, `\\`, keySep, `\`+keySep)

func NewKey(name, fingerprint string) Key {
	name = keyNameEscaper.Replace(name)
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return Key(name)
	}
	return Key(name + keySep + fingerprint)
}

func (k Key) String() string { return string(k) }

// Destination names a chat: "<chat_id>" or "<chat_id>:<thread_id>".
type Destination string

func (d Destination) String() string { return string(d) }

// Event is one alert taken out of a webhook batch.
type Event struct {
	Status       string
	Labels       map[string]string
	Annotations  map[string]string
	Fingerprint  string
	StartsAt     time.Time
	EndsAt       time.Time
	GeneratorURL string
	ExternalURL  string

	// Err is set when the alert object itself could not be decoded.
	Err error
}

// Normalized is the canonical form of an Event.
type Normalized struct {
	Key          Key
	Name         string
	Summary      string
	Status       Status
	Destinations []Destination
	Text         string
	Labels       map[string]string

	// RouteMiss reports that the routing label named a route that is not configured.
	RouteMiss  bool
	RouteValue string
}
