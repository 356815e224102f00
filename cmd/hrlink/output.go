package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/srg/hrlink/internal/codec"
	"github.com/srg/hrlink/internal/device"
	"github.com/srg/hrlink/pkg/config"
	"github.com/srg/hrlink/pkg/connection"
	"github.com/srg/hrlink/pkg/coordinator"
	"github.com/srg/hrlink/pkg/sensor"
	"golang.org/x/term"
)

const lowBattery = 20

// isTerminal reports whether w is an interactive terminal
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// printer renders updates, entity states and scan results as text or JSON
type printer struct {
	w      io.Writer
	format string
	now    func() time.Time

	heart *color.Color
	ok    *color.Color
	warn  *color.Color
	bad   *color.Color
	dim   *color.Color
}

func newPrinter(w io.Writer, format string, colored bool) *printer {
	p := &printer{
		w:      w,
		format: format,
		now:    time.Now,
		heart:  color.New(color.FgRed, color.Bold),
		ok:     color.New(color.FgGreen),
		warn:   color.New(color.FgYellow),
		bad:    color.New(color.FgRed),
		dim:    color.New(color.Faint),
	}
	for _, c := range []*color.Color{p.heart, p.ok, p.warn, p.bad, p.dim} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

type updateRecord struct {
	Time      time.Time          `json:"time"`
	Source    coordinator.Source `json:"source"`
	Success   bool               `json:"success"`
	Error     string             `json:"error,omitempty"`
	State     string             `json:"state"`
	HeartRate *int               `json:"heart_rate"`
	Battery   *int               `json:"battery"`
	Contact   string             `json:"contact,omitempty"`
	RR        []int64            `json:"rr_ms,omitempty"`
}

func rrMillis(rr []time.Duration) []int64 {
	if len(rr) == 0 {
		return nil
	}
	ms := make([]int64, len(rr))
	for i, d := range rr {
		ms[i] = d.Milliseconds()
	}
	return ms
}

// Update prints one coordinator update
func (p *printer) Update(u coordinator.Update, state connection.State) error {
	if p.format == config.FormatJSON {
		rec := updateRecord{
			Time:      p.now(),
			Source:    u.Source,
			Success:   u.Success,
			State:     state.String(),
			HeartRate: u.Snapshot.HeartRate,
			Battery:   u.Snapshot.Battery,
			RR:        rrMillis(u.Snapshot.RRIntervals),
		}
		if u.Snapshot.Contact != codec.ContactUnsupported {
			rec.Contact = u.Snapshot.Contact.String()
		}
		if u.Err != nil {
			rec.Error = FormatUserError(u.Err)
		}
		return json.NewEncoder(p.w).Encode(rec)
	}

	ts := p.dim.Sprint(p.now().Format("15:04:05"))
	if !u.Success {
		_, err := fmt.Fprintf(p.w, "%s  %s %s\n", ts, p.bad.Sprint("update failed:"), FormatUserError(u.Err))
		return err
	}

	hr := p.dim.Sprint("-- bpm")
	if bpm, ok := u.Snapshot.HeartRateValue(); ok {
		hr = p.heart.Sprintf("%3d bpm", bpm)
	}
	bat := p.dim.Sprint("battery --")
	if level, ok := u.Snapshot.BatteryValue(); ok {
		c := p.ok
		if level <= lowBattery {
			c = p.warn
		}
		bat = c.Sprintf("battery %d%%", level)
	}

	var extra strings.Builder
	if u.Snapshot.Contact == codec.ContactNotDetected {
		extra.WriteString("  " + p.warn.Sprint("no contact"))
	}
	if ms := rrMillis(u.Snapshot.RRIntervals); len(ms) > 0 {
		parts := make([]string, len(ms))
		for i, v := range ms {
			parts[i] = strconv.FormatInt(v, 10)
		}
		extra.WriteString("  " + p.dim.Sprintf("rr %sms", strings.Join(parts, "/")))
	}

	_, err := fmt.Fprintf(p.w, "%s  %s  %s  %s%s\n", ts, hr, bat, p.dim.Sprint(state.String()), extra.String())
	return err
}

// Entity prints the current state of one sensor entity
func (p *printer) Entity(e sensor.Entity) error {
	st := sensor.StateOf(e)
	if p.format == config.FormatJSON {
		return json.NewEncoder(p.w).Encode(st)
	}

	line := st.String()
	if !st.Available {
		line = p.dim.Sprint(line)
	}
	_, err := fmt.Fprintln(p.w, line)
	return err
}

type deviceRecord struct {
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	RSSI        int       `json:"rssi"`
	Connectable bool      `json:"connectable"`
	SeenAt      time.Time `json:"seen_at"`
}

// Devices prints scan results
func (p *printer) Devices(refs []device.Reference) error {
	if p.format == config.FormatJSON {
		recs := make([]deviceRecord, 0, len(refs))
		for _, r := range refs {
			recs = append(recs, deviceRecord{Name: r.Name, Address: r.Address, RSSI: r.RSSI, Connectable: r.Connectable, SeenAt: r.SeenAt})
		}
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}

	if len(refs) == 0 {
		_, err := fmt.Fprintln(p.w, "No heart rate sensors discovered")
		return err
	}

	w := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 64))
	for _, r := range refs {
		name := r.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		seen := p.now().Sub(r.SeenAt).Truncate(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s ago\n", name, r.Address, r.RSSI, seen)
	}
	return w.Flush()
}
