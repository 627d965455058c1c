// Package cron compiles the cron expressions of recurring scan triggers.
//
// Expressions use five fields, or six with a leading seconds field, and are
// evaluated as wall-clock times in the trigger's IANA time zone.
package cron

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrNeverFires is returned for expressions that are syntactically valid but
// name no reachable instant, such as February 30th.
var ErrNeverFires = errors.New("expression never fires")

// Parser compiles expressions and caches loaded time zones. It is safe for
// concurrent use.
type Parser struct {
	fields cron.Parser

	mu   sync.Mutex
	locs map[string]*time.Location
}

func NewParser() *Parser {
	return &Parser{
		fields: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		locs:   make(map[string]*time.Location),
	}
}

// Parse compiles expression for timezone. An empty timezone means UTC.
func (p *Parser) Parse(expression string, timezone string) (Schedule, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("parse cron: empty expression")
	}
	if strings.HasPrefix(expression, "@") {
		return nil, fmt.Errorf("parse cron: descriptor %q not supported", expression)
	}

	fields, err := p.fields.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}

	loc, err := p.location(timezone)
	if err != nil {
		return nil, err
	}

	s := &zoned{fields: fields, loc: loc}
	if s.Next(time.Now()).IsZero() {
		return nil, fmt.Errorf("parse cron: %q: %w", expression, ErrNeverFires)
	}
	return s, nil
}

func (p *Parser) location(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if loc, ok := p.locs[name]; ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	p.locs[name] = loc
	return loc, nil
}

type Schedule interface {
	// Next returns the first activation strictly after the given time, in
	// UTC. It returns the zero time if none exists.
	Next(after time.Time) time.Time
}

type zoned struct {
	fields cron.Schedule
	loc    *time.Location
}

func (z *zoned) Next(after time.Time) time.Time {
	next := z.fields.Next(after.In(z.loc))
	if next.IsZero() {
		return next
	}
	return next.UTC()
}
