package scheduler

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Feature is the typed view of one configured feature for a cycle.
type Feature struct {
	Name     string
	Enabled  bool
	Schedule string
	// Interval re-arms the local timer after every attempt.
	Interval time.Duration
	// Timer names the external timer; defaults to Name.
	Timer string
	// Gate names a second timer that must also have cleared.
	Gate           string
	Roles          []string
	Locations      []string
	MaxQueueDepth  int
	ExclusiveGroup string
	Priority       int
	Shared         bool
	Lease          time.Duration
	Retry          time.Duration
}

func (f Feature) timerName() string {
	if t := strings.TrimSpace(f.Timer); t != "" {
		return t
	}
	return f.Name
}

func (f Feature) group() string {
	if g := strings.TrimSpace(f.ExclusiveGroup); g != "" {
		return "group:" + key(g)
	}
	return key(f.Name)
}

// Validate checks one feature. Invalid features are skipped for the cycle.
func (f Feature) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("feature name required")
	}
	if f.Interval < 0 || f.Lease < 0 || f.Retry < 0 {
		return fmt.Errorf("feature %s: negative duration", f.Name)
	}
	if key(f.Gate) == key(f.Name) && f.Gate != "" {
		return fmt.Errorf("feature %s: gate cannot reference itself", f.Name)
	}
	if f.Shared && f.Lease <= 0 {
		return fmt.Errorf("feature %s: shared features need a lease", f.Name)
	}
	if f.Schedule != "" {
		if _, err := ParseSchedule(f.Schedule); err != nil {
			return fmt.Errorf("feature %s: %w", f.Name, err)
		}
	}
	return nil
}

// Context is what the feature predicates look at.
type Context struct {
	Role       string
	Location   string
	QueueDepth int
}

// InPlay reports whether f participates in this cycle.
func (f Feature) InPlay(c Context) bool {
	if !f.Enabled {
		return false
	}
	if !matchAny(f.Roles, c.Role) || !matchAny(f.Locations, c.Location) {
		return false
	}
	if f.MaxQueueDepth > 0 && c.QueueDepth > f.MaxQueueDepth {
		return false
	}
	return true
}

func matchAny(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), strings.TrimSpace(v)) || s == "*" {
			return true
		}
	}
	return false
}

// FeatureSet is the per-cycle enabled map, keyed by normalized name.
type FeatureSet map[string]bool

// BuildFeatureSet evaluates every feature against c.
func BuildFeatureSet(features []Feature, c Context) FeatureSet {
	out := make(FeatureSet, len(features))
	for _, f := range features {
		out[key(f.Name)] = f.InPlay(c)
	}
	return out
}

// candidate is one in-play feature with its effective remaining time.
type candidate struct {
	Feature
	remaining float64
}

// groupPlan is one entry of the sleep decision: a lone feature, or an
// exclusive group whose members are ordered primary first.
type groupPlan struct {
	label   string
	members []candidate
}

func (g groupPlan) remaining() float64 {
	r := math.Inf(1)
	for _, m := range g.members {
		r = math.Min(r, m.remaining)
	}
	return r
}

func (g groupPlan) priority() int {
	if len(g.members) == 0 {
		return 0
	}
	return g.members[0].Priority
}

// plan groups in-play features and orders them for execution: groups by
// their primary's priority, members by priority. Ties break by name.
func plan(features []Feature, set FeatureSet, remaining func(Feature) float64) []groupPlan {
	byGroup := map[string]*groupPlan{}
	var order []string
	for _, f := range features {
		if !set[key(f.Name)] {
			continue
		}
		g := f.group()
		gp, ok := byGroup[g]
		if !ok {
			label := f.Name
			if f.ExclusiveGroup != "" {
				label = f.ExclusiveGroup
			}
			gp = &groupPlan{label: label}
			byGroup[g] = gp
			order = append(order, g)
		}
		gp.members = append(gp.members, candidate{Feature: f, remaining: remaining(f)})
	}

	out := make([]groupPlan, 0, len(order))
	for _, g := range order {
		gp := byGroup[g]
		sort.SliceStable(gp.members, func(i, j int) bool {
			a, b := gp.members[i], gp.members[j]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return key(a.Name) < key(b.Name)
		})
		out = append(out, *gp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority() != out[j].priority() {
			return out[i].priority() > out[j].priority()
		}
		return key(out[i].label) < key(out[j].label)
	})
	return out
}

func activeEntries(groups []groupPlan) []TimerEntry {
	out := make([]TimerEntry, 0, len(groups))
	for _, g := range groups {
		out = append(out, TimerEntry{Label: g.label, Remaining: g.remaining()})
	}
	return out
}
