package schedule

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind is the variant tag of a Strategy.
type Kind int

const (
	KindDaily Kind = iota
	KindInterval
	KindCron
	KindConstant
	KindOneShot
)

func (k Kind) String() string {
	switch k {
	case KindDaily:
		return "daily"
	case KindInterval:
		return "interval"
	case KindCron:
		return "cron"
	case KindConstant:
		return "constant"
	case KindOneShot:
		return "once"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Strategy computes when a job runs next.
type Strategy interface {
	Kind() Kind

	// Next returns the first run time strictly after `after` for calendar
	// variants, after+delta for Interval. A zero time means no further runs.
	Next(after time.Time) time.Time

	// RecomputeOnReconfigure reports whether pending runs may be recomputed
	// from scratch on every reconfiguration without drifting.
	RecomputeOnReconfigure() bool

	Equal(other Strategy) bool
	String() string
}

// SameKind reports whether a and b share the variant tag.
func SameKind(a, b Strategy) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Kind() == b.Kind()
}

var secondParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ---- Daily ----

// Daily fires once per allowed weekday at a fixed time of day. The result is a
// pure function of the calendar date, so recomputing it never drifts.
type Daily struct {
	hour, minute, second int
	days                 []time.Weekday // sorted; empty = every day
	loc                  *time.Location
	sched                cron.Schedule
}

// NewDaily builds a daily strategy. loc nil means time.Local.
func NewDaily(hour, minute, second int, days []time.Weekday, loc *time.Location) (*Daily, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 || second < 0 || second > 59 {
		return nil, fmt.Errorf("invalid time of day %02d:%02d:%02d", hour, minute, second)
	}
	if loc == nil {
		loc = time.Local
	}
	d := &Daily{hour: hour, minute: minute, second: second, loc: loc}
	for _, wd := range days {
		if wd < time.Sunday || wd > time.Saturday {
			return nil, fmt.Errorf("invalid weekday %d", wd)
		}
		if !slices.Contains(d.days, wd) {
			d.days = append(d.days, wd)
		}
	}
	slices.Sort(d.days)

	dow := "*"
	if len(d.days) > 0 && len(d.days) < 7 {
		parts := make([]string, 0, len(d.days))
		for _, wd := range d.days {
			parts = append(parts, fmt.Sprint(int(wd)))
		}
		dow = strings.Join(parts, ",")
	}
	sched, err := secondParser.Parse(fmt.Sprintf("%d %d %d * * %s", second, minute, hour, dow))
	if err != nil {
		return nil, err
	}
	d.sched = sched
	return d, nil
}

func (d *Daily) Kind() Kind                   { return KindDaily }
func (d *Daily) RecomputeOnReconfigure() bool { return true }

func (d *Daily) Next(after time.Time) time.Time {
	return d.sched.Next(after.In(d.loc))
}

func (d *Daily) Equal(other Strategy) bool {
	o, ok := other.(*Daily)
	if !ok {
		return false
	}
	return d.hour == o.hour && d.minute == o.minute && d.second == o.second &&
		slices.Equal(d.days, o.days) && d.loc.String() == o.loc.String()
}

func (d *Daily) String() string {
	if d.hour == 0 && d.minute == 0 && d.second == 0 && len(d.days) == 0 {
		return "DAILY"
	}
	s := fmt.Sprintf("DAILY %02d:%02d:%02d", d.hour, d.minute, d.second)
	if len(d.days) > 0 {
		s += " " + formatDays(d.days)
	}
	return s
}

// ---- Interval ----

// Interval fires a fixed delta after the previous fire time.
type Interval struct {
	every time.Duration
}

func NewInterval(every time.Duration) (*Interval, error) {
	if every <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	return &Interval{every: every}, nil
}

func (i *Interval) Kind() Kind                     { return KindInterval }
func (i *Interval) RecomputeOnReconfigure() bool   { return false }
func (i *Interval) Next(after time.Time) time.Time { return after.Add(i.every) }
func (i *Interval) Every() time.Duration           { return i.every }
func (i *Interval) String() string                 { return "INTERVAL:" + i.every.String() }

func (i *Interval) Equal(other Strategy) bool {
	o, ok := other.(*Interval)
	return ok && o.every == i.every
}

// ---- Cron ----

// Cron fires on an arbitrary cron expression. Like Daily it depends only on
// the calendar, so pending runs are recomputed on reconfiguration.
type Cron struct {
	expr  string
	loc   *time.Location
	sched cron.Schedule
}

func NewCron(expr string, loc *time.Location) (*Cron, error) {
	if loc == nil {
		loc = time.Local
	}
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := p.Parse(expr)
	if err != nil {
		return nil, err
	}
	return &Cron{expr: expr, loc: loc, sched: sched}, nil
}

func (c *Cron) Kind() Kind                     { return KindCron }
func (c *Cron) RecomputeOnReconfigure() bool   { return true }
func (c *Cron) Next(after time.Time) time.Time { return c.sched.Next(after.In(c.loc)) }
func (c *Cron) String() string                 { return "CRON:" + c.expr }

func (c *Cron) Equal(other Strategy) bool {
	o, ok := other.(*Cron)
	return ok && o.expr == c.expr && o.loc.String() == c.loc.String()
}

// ---- Constant ----

// Constant runs again as soon as asked.
type Constant struct{}

func (Constant) Kind() Kind                     { return KindConstant }
func (Constant) RecomputeOnReconfigure() bool   { return false }
func (Constant) Next(after time.Time) time.Time { return after }
func (Constant) String() string                 { return "CONSTANT" }

func (Constant) Equal(other Strategy) bool {
	_, ok := other.(Constant)
	return ok
}

// ---- OneShot ----

// OneShot fires once at a fixed instant.
type OneShot struct {
	at time.Time
}

func NewOneShot(at time.Time) (*OneShot, error) {
	if at.IsZero() {
		return nil, fmt.Errorf("once: time required")
	}
	return &OneShot{at: at}, nil
}

func (o *OneShot) Kind() Kind                   { return KindOneShot }
func (o *OneShot) RecomputeOnReconfigure() bool { return false }
func (o *OneShot) At() time.Time                { return o.at }
func (o *OneShot) String() string               { return "ONCE:" + o.at.Format(time.RFC3339) }

func (o *OneShot) Next(after time.Time) time.Time {
	if after.Before(o.at) {
		return o.at
	}
	return time.Time{}
}

func (o *OneShot) Equal(other Strategy) bool {
	x, ok := other.(*OneShot)
	return ok && x.at.Equal(o.at)
}
