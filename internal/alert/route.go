package alert

import "strings"

// route resolves the destinations for an alert.
//
// When RouteLabel is set and the alert carries that label, the label value
// selects Routes[value]; an unmapped value yields no destinations and miss=true.
// Otherwise the static Destinations and the "default" route are used.
func (c Config) route(labels map[string]string) (dests []Destination, value string, miss bool) {
	label := strings.TrimSpace(c.RouteLabel)
	if label != "" {
		if v, ok := labels[label]; ok && strings.TrimSpace(v) != "" {
			value = strings.TrimSpace(v)
			r, found := c.Routes[value]
			if !found {
				return nil, value, true
			}
			return uniqueDestinations(r), value, false
		}
	}
	all := make([]Destination, 0, len(c.Destinations)+len(c.Routes[DefaultRouteName]))
	all = append(all, c.Destinations...)
	all = append(all, c.Routes[DefaultRouteName]...)
	return uniqueDestinations(all), "", false
}

func uniqueDestinations(in []Destination) []Destination {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[Destination]struct{}, len(in))
	out := make([]Destination, 0, len(in))
	for _, d := range in {
		d = Destination(strings.TrimSpace(string(d)))
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
