package delivery

import (
	"errors"
	"fmt"
)

// ErrPersistence marks failures of the state store. They are reported apart
// from delivery failures because a message may exist that the store does not know about.
var ErrPersistence = errors.New("persistence failure")

var ErrUnknownStatus = errors.New("status must be firing or resolved")

type Action int

const (
	ActionSendNew Action = iota + 1
	ActionEditExisting
	ActionSuppress
	ActionEditMissing
)

func (a Action) String() string {
	switch a {
	case ActionSendNew:
		return "send_new"
	case ActionEditExisting:
		return "edit_existing"
	case ActionSuppress:
		return "suppress"
	case ActionEditMissing:
		return "edit_missing"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is the output of Machine.Decide. Handle is set only for ActionEditExisting.
type Decision struct {
	Action Action
	Handle string
}

// Outcome is the result of executing a Decision against the messenger.
type Outcome struct {
	Handle string
	Err    error
}

func Delivered(handle string) Outcome { return Outcome{Handle: handle} }

func Failed(err error) Outcome {
	if err == nil {
		err = errors.New("delivery failed")
	}
	return Outcome{Err: err}
}

func (o Outcome) OK() bool { return o.Err == nil }

// Disposition is the final state of one target in a Result.
type Disposition string

const (
	DispositionSent              Disposition = "sent"
	DispositionEdited            Disposition = "edited"
	DispositionSuppressed        Disposition = "suppressed"
	DispositionEditMissing       Disposition = "edit_missing"
	DispositionDeliveryFailed    Disposition = "delivery_failed"
	DispositionPersistenceFailed Disposition = "persistence_failed"
)

func (d Disposition) Failed() bool {
	return d == DispositionDeliveryFailed || d == DispositionPersistenceFailed
}

type TargetResult struct {
	Destination string      `json:"destination"`
	Action      string      `json:"action,omitempty"`
	Disposition Disposition `json:"disposition"`
	Handle      string      `json:"handle,omitempty"`
	Attempts    int         `json:"attempts,omitempty"`
	Error       string      `json:"error,omitempty"`
}

type AlertResult struct {
	Key     string         `json:"alert_key"`
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Targets []TargetResult `json:"targets"`
	// Note explains why an alert produced no targets (unknown status, routing miss, no destinations).
	Note string `json:"note,omitempty"`
}

// Ack is the batch-level acknowledgment.
type Ack string

const (
	AckNoAlerts           Ack = "no_alerts"
	AckUnrecognizedStatus Ack = "unrecognized_status"
	AckProcessed          Ack = "processed"
)

type Result struct {
	BatchID string        `json:"batch_id"`
	Ack     Ack           `json:"ack"`
	Alerts  []AlertResult `json:"alerts,omitempty"`
}

// Failed reports whether any target ended in a delivery or persistence failure.
func (r Result) Failed() bool {
	for _, a := range r.Alerts {
		for _, t := range a.Targets {
			if t.Disposition.Failed() {
				return true
			}
		}
	}
	return false
}

// Counts tallies targets by disposition.
func (r Result) Counts() map[Disposition]int {
	out := map[Disposition]int{}
	for _, a := range r.Alerts {
		for _, t := range a.Targets {
			out[t.Disposition]++
		}
	}
	return out
}
