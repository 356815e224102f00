package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/internal/ringchan"
)

const (
	DefaultMaxAge      = 30 * time.Second
	defaultEventBuffer = 100
)

// EventType marks if the device was newly discovered or updated
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

func (t EventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

type Event struct {
	Type      EventType
	Reference device.Reference
	Services  []string
}

// Filter restricts which advertisements enter the cache
type Filter struct {
	// Services admits devices advertising any of these service UUIDs
	Services []string
	// NamePrefix admits devices whose local name starts with it (case-insensitive)
	NamePrefix string
	AllowList  []string
	BlockList  []string
}

// Cache resolves identities from recently seen advertisements.
// A reference older than MaxAge is considered stale and resolves to nothing.
type Cache struct {
	devices *hashmap.Map[string, device.Reference]
	events  *ringchan.RingChannel[Event]
	filter  Filter
	maxAge  time.Duration
	logger  *logrus.Logger
	now     func() time.Time
}

// NewCache creates an empty cache; maxAge <= 0 selects DefaultMaxAge
func NewCache(maxAge time.Duration, filter *Filter, logger *logrus.Logger) *Cache {
	if logger == nil {
		logger = logrus.New()
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	var f Filter
	if filter != nil {
		f = *filter
		f.Services = device.NormalizeUUIDs(f.Services)
	}

	return &Cache{
		devices: hashmap.New[string, device.Reference](),
		events:  ringchan.New[Event](defaultEventBuffer),
		filter:  f,
		maxAge:  maxAge,
		logger:  logger,
		now:     time.Now,
	}
}

// Observe records an advertisement, replacing any older reference for the same address
func (c *Cache) Observe(adv device.Advertisement) {
	addr := strings.ToUpper(adv.Address)
	if addr == "" {
		return
	}

	prev, existing := c.devices.Get(addr)
	if !existing && !c.admits(addr, adv) {
		return
	}

	ref := device.Reference{
		Address:     addr,
		Name:        adv.LocalName,
		RSSI:        adv.RSSI,
		Connectable: adv.Connectable,
		SeenAt:      c.now(),
	}
	// scan responses often omit the name carried by the first advertisement
	if ref.Name == "" {
		ref.Name = prev.Name
	}
	c.devices.Set(addr, ref)

	event := Event{Type: EventUpdated, Reference: ref, Services: adv.Services}
	if !existing {
		event.Type = EventNew
		c.logger.WithFields(logrus.Fields{
			"device":  ref.Name,
			"address": ref.Address,
			"rssi":    ref.RSSI,
		}).Info("Discovered new device")
	}
	c.events.Send(event)
}

// admits applies the allow/block/service/name filters to a first sighting
func (c *Cache) admits(addr string, adv device.Advertisement) bool {
	for _, blocked := range c.filter.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}

	if len(c.filter.AllowList) > 0 {
		allowed := false
		for _, a := range c.filter.AllowList {
			if strings.EqualFold(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(c.filter.Services) == 0 && c.filter.NamePrefix == "" {
		return true
	}
	for _, uuid := range c.filter.Services {
		if adv.HasService(uuid) {
			return true
		}
	}
	return hasPrefixFold(adv.LocalName, c.filter.NamePrefix)
}

// Resolve returns the cached reference for id if it was seen within MaxAge
func (c *Cache) Resolve(_ context.Context, id device.Identity) (device.Reference, bool) {
	ref, ok := c.devices.Get(strings.ToUpper(id.Address))
	if !ok || c.stale(ref) {
		return device.Reference{}, false
	}
	if ref.Name == "" {
		ref.Name = id.Name
	}
	return ref, true
}

func (c *Cache) stale(ref device.Reference) bool {
	return c.now().Sub(ref.SeenAt) > c.maxAge
}

// Devices lists fresh references whose name has the given prefix, strongest signal first.
// An empty prefix lists every fresh reference.
func (c *Cache) Devices(prefix string) []device.Reference {
	refs := make([]device.Reference, 0, c.devices.Len())
	c.devices.Range(func(_ string, ref device.Reference) bool {
		if !c.stale(ref) && (prefix == "" || hasPrefixFold(ref.Name, prefix)) {
			refs = append(refs, ref)
		}
		return true
	})

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].RSSI != refs[j].RSSI {
			return refs[i].RSSI > refs[j].RSSI
		}
		return refs[i].Address < refs[j].Address
	})
	return refs
}

// Len returns the number of cached references, stale ones included
func (c *Cache) Len() int {
	return c.devices.Len()
}

// Events returns a read-only channel of discovery events; old events are dropped when nobody reads
func (c *Cache) Events() <-chan Event {
	return c.events.C()
}

// Run feeds the cache from scanner until ctx is done; the event channel is closed on return.
func (c *Cache) Run(ctx context.Context, scanner device.Scanner) error {
	defer c.events.Close()

	c.logger.WithField("max_age", c.maxAge).Info("Starting BLE scan...")
	err := scanner.Scan(ctx, true, c.Observe)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan failed: %w", err)
	}

	c.logger.WithField("device_count", c.devices.Len()).Info("BLE scan completed")
	return nil
}

func hasPrefixFold(s, prefix string) bool {
	return prefix != "" && len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
