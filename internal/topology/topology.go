// Package topology loads the line's route table and compiles chute ids into
// switching paths.
package topology

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AaronLay10/SorterEngine/internal/path"
)

const defaultTTL = 500 * time.Millisecond

type fileConfig struct {
	Version        int           `yaml:"version"`
	ExceptionChute int64         `yaml:"exception_chute"`
	DefaultTTLMs   int           `yaml:"default_ttl_ms"`
	Diverters      []DiverterDef `yaml:"diverters"`
	Chutes         []chuteDef    `yaml:"chutes"`
}

// DiverterDef describes one wheel diverter and how to reach its controller.
type DiverterDef struct {
	ID            int64  `yaml:"id" json:"id"`
	Controller    string `yaml:"controller" json:"controller"`
	CommandTopic  string `yaml:"command_topic" json:"command_topic"`
	FeedbackTopic string `yaml:"feedback_topic" json:"feedback_topic"`
}

type chuteDef struct {
	ID    int64     `yaml:"id"`
	Route []stepDef `yaml:"route"`
}

type stepDef struct {
	Diverter  int64  `yaml:"diverter"`
	Direction string `yaml:"direction"`
	TTLMs     int    `yaml:"ttl_ms"`
}

// Step is one diverter on the way to a chute.
type Step struct {
	DiverterID int64
	Direction  path.Direction
	TTL        time.Duration
}

// Topology is the validated route table. It is immutable after loading.
type Topology struct {
	exceptionChute int64
	diverters      map[int64]DiverterDef
	routes         map[int64][]Step
	now            func() time.Time
}

// Load reads and validates a topology file.
func Load(file string) (*Topology, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse validates a topology document.
func Parse(b []byte) (*Topology, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, err
	}
	if fc.Version != 1 {
		return nil, fmt.Errorf("unsupported topology.yaml version: %d", fc.Version)
	}
	if fc.ExceptionChute <= 0 {
		return nil, fmt.Errorf("topology: exception_chute must be set")
	}

	ttl := defaultTTL
	if fc.DefaultTTLMs > 0 {
		ttl = time.Duration(fc.DefaultTTLMs) * time.Millisecond
	}

	t := &Topology{
		exceptionChute: fc.ExceptionChute,
		diverters:      make(map[int64]DiverterDef, len(fc.Diverters)),
		routes:         make(map[int64][]Step, len(fc.Chutes)),
		now:            time.Now,
	}
	for _, d := range fc.Diverters {
		if d.ID <= 0 {
			return nil, fmt.Errorf("topology: invalid diverter id %d", d.ID)
		}
		if _, dup := t.diverters[d.ID]; dup {
			return nil, fmt.Errorf("topology: duplicate diverter %d", d.ID)
		}
		t.diverters[d.ID] = d
	}

	for _, c := range fc.Chutes {
		if c.ID <= 0 {
			return nil, fmt.Errorf("topology: invalid chute id %d", c.ID)
		}
		if _, dup := t.routes[c.ID]; dup {
			return nil, fmt.Errorf("topology: duplicate chute %d", c.ID)
		}
		if len(c.Route) == 0 {
			return nil, fmt.Errorf("topology: chute %d has an empty route", c.ID)
		}
		seen := make(map[int64]bool, len(c.Route))
		steps := make([]Step, 0, len(c.Route))
		for _, s := range c.Route {
			if _, ok := t.diverters[s.Diverter]; !ok {
				return nil, fmt.Errorf("topology: chute %d routes through unknown diverter %d", c.ID, s.Diverter)
			}
			if seen[s.Diverter] {
				return nil, fmt.Errorf("topology: chute %d passes diverter %d twice", c.ID, s.Diverter)
			}
			seen[s.Diverter] = true
			dir, err := path.ParseDirection(s.Direction)
			if err != nil {
				return nil, fmt.Errorf("topology: chute %d: %w", c.ID, err)
			}
			stepTTL := ttl
			if s.TTLMs > 0 {
				stepTTL = time.Duration(s.TTLMs) * time.Millisecond
			}
			steps = append(steps, Step{DiverterID: s.Diverter, Direction: dir, TTL: stepTTL})
		}
		t.routes[c.ID] = steps
	}

	if _, ok := t.routes[t.exceptionChute]; !ok {
		return nil, fmt.Errorf("topology: exception chute %d has no route", t.exceptionChute)
	}
	return t, nil
}

// ExceptionChute returns the configured exception chute.
func (t *Topology) ExceptionChute() int64 {
	return t.exceptionChute
}

// GeneratePath implements path.Generator. Every path falls back to the
// exception chute.
func (t *Topology) GeneratePath(ctx context.Context, chuteID int64) (path.SwitchingPath, error) {
	if err := ctx.Err(); err != nil {
		return path.SwitchingPath{}, err
	}
	steps, ok := t.routes[chuteID]
	if !ok {
		return path.SwitchingPath{}, fmt.Errorf("chute %d: %w", chuteID, path.ErrNoPath)
	}
	segments := make([]path.Segment, len(steps))
	for i, s := range steps {
		segments[i] = path.Segment{
			SequenceNumber:  i + 1,
			DiverterID:      s.DiverterID,
			TargetDirection: s.Direction,
			TTL:             s.TTL,
		}
	}
	return path.SwitchingPath{
		TargetChuteID:   chuteID,
		Segments:        segments,
		FallbackChuteID: t.exceptionChute,
		GeneratedAt:     t.now(),
	}, nil
}

// RequiredNodes returns the ordered diverters on the route to chuteID.
func (t *Topology) RequiredNodes(chuteID int64) ([]int64, bool) {
	steps, ok := t.routes[chuteID]
	if !ok {
		return nil, false
	}
	nodes := make([]int64, len(steps))
	for i, s := range steps {
		nodes[i] = s.DiverterID
	}
	return nodes, true
}

// Diverter returns a diverter definition.
func (t *Topology) Diverter(id int64) (DiverterDef, bool) {
	d, ok := t.diverters[id]
	return d, ok
}

// Diverters returns all diverter definitions ordered by id.
func (t *Topology) Diverters() []DiverterDef {
	out := make([]DiverterDef, 0, len(t.diverters))
	for _, d := range t.diverters {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ChuteIDs returns every routable chute ordered by id.
func (t *Topology) ChuteIDs() []int64 {
	out := make([]int64, 0, len(t.routes))
	for id := range t.routes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
