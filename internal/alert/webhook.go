package alert

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Webhook is the JSON body Alertmanager posts to a webhook receiver.
type Webhook struct {
	Version           string            `json:"version"`
	GroupKey          string            `json:"groupKey"`
	TruncatedAlerts   int               `json:"truncatedAlerts"`
	Status            string            `json:"status"`
	Receiver          string            `json:"receiver"`
	GroupLabels       map[string]string `json:"groupLabels"`
	CommonLabels      map[string]string `json:"commonLabels"`
	CommonAnnotations map[string]string `json:"commonAnnotations"`
	ExternalURL       string            `json:"externalURL"`
	Alerts            []json.RawMessage `json:"alerts"`
}

type WebhookAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
	Fingerprint  string            `json:"fingerprint"`
}

var ErrEmptyBody = errors.New("empty request body")

// ParseWebhook decodes the envelope. Alert objects are decoded one by one in
// Events so a single malformed alert does not reject the batch.
func ParseWebhook(r io.Reader) (Webhook, error) {
	var w Webhook
	dec := json.NewDecoder(r)
	if err := dec.Decode(&w); err != nil {
		if errors.Is(err, io.EOF) {
			return Webhook{}, ErrEmptyBody
		}
		return Webhook{}, fmt.Errorf("decode webhook: %w", err)
	}
	return w, nil
}

// Events returns one Event per alert in the batch, in order.
func (w Webhook) Events() []Event {
	out := make([]Event, 0, len(w.Alerts))
	for i, raw := range w.Alerts {
		var a WebhookAlert
		if err := json.Unmarshal(raw, &a); err != nil {
			out = append(out, Event{ExternalURL: w.ExternalURL, Err: fmt.Errorf("alert %d: %w", i, err)})
			continue
		}
		status := a.Status
		if status == "" {
			status = w.Status
		}
		out = append(out, Event{
			Status:       status,
			Labels:       a.Labels,
			Annotations:  a.Annotations,
			Fingerprint:  a.Fingerprint,
			StartsAt:     a.StartsAt,
			EndsAt:       a.EndsAt,
			GeneratorURL: a.GeneratorURL,
			ExternalURL:  w.ExternalURL,
		})
	}
	return out
}
