// Package sensor exposes the coordinator snapshot as named, individually
// available sensor entities for display layers.
package sensor

import (
	"context"
	"fmt"

	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/pkg/coordinator"
)

const (
	Domain       = "polar_bluetooth"
	Manufacturer = "Polar"
	Model        = "Heart Rate Monitor"

	UnitBPM     = "bpm"
	UnitPercent = "%"

	CategoryDiagnostic = "diagnostic"
)

// Source is the part of the coordinator entities read from
type Source interface {
	Identity() device.Identity
	Snapshot() coordinator.Snapshot
	LastUpdateSuccess() bool
	Subscribe() *coordinator.Subscription
}

// DeviceInfo groups all entities of one physical sensor
type DeviceInfo struct {
	Identifiers  map[string]string `json:"identifiers"`
	Connections  map[string]string `json:"connections"`
	Name         string            `json:"name"`
	Manufacturer string            `json:"manufacturer"`
	Model        string            `json:"model"`
}

// NewDeviceInfo describes the sensor behind id
func NewDeviceInfo(id device.Identity) DeviceInfo {
	return DeviceInfo{
		Identifiers:  map[string]string{Domain: id.Address},
		Connections:  map[string]string{"bluetooth": id.Address},
		Name:         id.DisplayName(),
		Manufacturer: Manufacturer,
		Model:        Model,
	}
}

// Entity is one value of the sensor presented to a display layer
type Entity interface {
	Name() string
	UniqueID() string
	Unit() string
	DeviceClass() string
	Category() string
	Icon() string
	Value() (int, bool)
	Available() bool
	DeviceInfo() DeviceInfo
}

// State is a point-in-time rendering of an entity
type State struct {
	UniqueID  string `json:"unique_id"`
	Name      string `json:"name"`
	Value     *int   `json:"value"`
	Unit      string `json:"unit"`
	Available bool   `json:"available"`
}

// StateOf captures the current state of e
func StateOf(e Entity) State {
	st := State{
		UniqueID:  e.UniqueID(),
		Name:      e.Name(),
		Unit:      e.Unit(),
		Available: e.Available(),
	}
	if v, ok := e.Value(); ok {
		st.Value = &v
	}
	return st
}

func (s State) String() string {
	if !s.Available || s.Value == nil {
		return fmt.Sprintf("%s: unavailable", s.Name)
	}
	return fmt.Sprintf("%s: %d %s", s.Name, *s.Value, s.Unit)
}

type base struct {
	source Source
	id     device.Identity
}

func (b base) DeviceInfo() DeviceInfo {
	return NewDeviceInfo(b.id)
}

// HeartRate reports the latest heart rate. It is available only after a
// successful update and once a value has been received.
type HeartRate struct{ base }

func NewHeartRate(source Source) *HeartRate {
	return &HeartRate{base{source: source, id: source.Identity()}}
}

func (h *HeartRate) Name() string        { return h.id.DisplayName() + " Heart Rate" }
func (h *HeartRate) UniqueID() string    { return h.id.Address + "_heart_rate" }
func (h *HeartRate) Unit() string        { return UnitBPM }
func (h *HeartRate) DeviceClass() string { return "heart_rate" }
func (h *HeartRate) Category() string    { return "" }
func (h *HeartRate) Icon() string        { return "mdi:heart-pulse" }

func (h *HeartRate) Value() (int, bool) {
	return h.source.Snapshot().HeartRateValue()
}

func (h *HeartRate) Available() bool {
	_, ok := h.Value()
	return h.source.LastUpdateSuccess() && ok
}

// Battery reports the last battery level read; it is a diagnostic entity.
type Battery struct{ base }

func NewBattery(source Source) *Battery {
	return &Battery{base{source: source, id: source.Identity()}}
}

func (b *Battery) Name() string        { return b.id.DisplayName() + " Battery" }
func (b *Battery) UniqueID() string    { return b.id.Address + "_battery" }
func (b *Battery) Unit() string        { return UnitPercent }
func (b *Battery) DeviceClass() string { return "battery" }
func (b *Battery) Category() string    { return CategoryDiagnostic }
func (b *Battery) Icon() string        { return "" }

func (b *Battery) Value() (int, bool) {
	return b.source.Snapshot().BatteryValue()
}

func (b *Battery) Available() bool {
	return b.source.LastUpdateSuccess()
}

// Entities returns the heart rate and battery entities for source
func Entities(source Source) []Entity {
	return []Entity{NewHeartRate(source), NewBattery(source)}
}

// Bind calls onChange for every entity after each coordinator update, until ctx
// is done or the coordinator shuts down. It returns ctx.Err() or nil respectively.
func Bind(ctx context.Context, source Source, onChange func(Entity), entities ...Entity) error {
	if len(entities) == 0 {
		entities = Entities(source)
	}

	sub := source.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-sub.C():
			if !ok {
				return nil
			}
			for _, e := range entities {
				onChange(e)
			}
		}
	}
}
