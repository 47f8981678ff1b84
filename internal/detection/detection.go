// Package detection stores recent camera detections so rule conditions
// can ask "was a person seen on this camera in the last N seconds".
// Detections arrive from camera providers (Frigate) and are pruned by
// the retention job.
package detection

import "time"

// Detection is one object detection reported by a camera provider.
type Detection struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	EventID    string    `json:"event_id,omitempty"`
	Camera     string    `json:"camera"`
	Label      string    `json:"label"`
	Zones      []string  `json:"zones"`
	Confidence float64   `json:"confidence_pct"`
	ObservedAt time.Time `json:"observed_at"`
}

// InZone reports whether the detection touches any of the given zones.
// An empty filter matches everything.
func (d Detection) InZone(zones []string) bool {
	if len(zones) == 0 {
		return true
	}
	for _, want := range zones {
		for _, z := range d.Zones {
			if z == want {
				return true
			}
		}
	}
	return false
}

// FromCamera reports whether the detection came from one of the given
// cameras. An empty filter matches everything.
func (d Detection) FromCamera(cameras []string) bool {
	if len(cameras) == 0 {
		return true
	}
	for _, c := range cameras {
		if d.Camera == c {
			return true
		}
	}
	return false
}
