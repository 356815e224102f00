package coordinator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/srg/hrlink/internal/codec"
)

// Snapshot is the merged view of both data paths. Values are replaced, never mutated.
type Snapshot struct {
	HeartRate *int      `json:"heart_rate"`
	Battery   *int      `json:"battery"`
	Timestamp time.Time `json:"timestamp"`

	// Contact and RRIntervals come from the latest heart-rate notification
	Contact     codec.ContactStatus `json:"contact"`
	RRIntervals []time.Duration     `json:"rr_intervals,omitempty"`
}

// HeartRateValue returns the heart rate and whether one has been received
func (s Snapshot) HeartRateValue() (int, bool) {
	if s.HeartRate == nil {
		return 0, false
	}
	return *s.HeartRate, true
}

// BatteryValue returns the battery level and whether one has been read
func (s Snapshot) BatteryValue() (int, bool) {
	if s.Battery == nil {
		return 0, false
	}
	return *s.Battery, true
}

func (s Snapshot) withMeasurement(m codec.Measurement, at time.Time) *Snapshot {
	next := s
	bpm := m.BPM
	next.HeartRate = &bpm
	next.Contact = m.Contact
	next.RRIntervals = m.RRIntervals
	next.Timestamp = at
	return &next
}

func (s Snapshot) withBattery(level int, at time.Time) *Snapshot {
	next := s
	next.Battery = &level
	next.Timestamp = at
	return &next
}

// Source tells subscribers which path produced an update
type Source int

const (
	SourceRefresh Source = iota
	SourceNotification
)

func (s Source) String() string {
	if s == SourceNotification {
		return "notification"
	}
	return "refresh"
}

func (s Source) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Source) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "notification":
		*s = SourceNotification
	case "refresh":
		*s = SourceRefresh
	default:
		return fmt.Errorf("unknown update source %q", name)
	}
	return nil
}

// Update is delivered to subscribers after every cycle and every notification
type Update struct {
	Snapshot Snapshot `json:"snapshot"`
	Source   Source   `json:"source"`
	// Success mirrors LastUpdateSuccess at publish time
	Success bool `json:"success"`
	// Err is the *RefreshError of a failed cycle
	Err error `json:"-"`
}
