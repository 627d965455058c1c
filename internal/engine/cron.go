package engine

import (
	"github.com/djlord-it/contentguard/internal/cron"
	"github.com/djlord-it/contentguard/internal/scheduler"
)

// cronParser adapts internal/cron.Parser to scheduler.CronParser.
type cronParser struct {
	parser *cron.Parser
}

func NewCronParser() scheduler.CronParser {
	return &cronParser{parser: cron.NewParser()}
}

func (a *cronParser) Parse(expression string, timezone string) (scheduler.CronSchedule, error) {
	sched, err := a.parser.Parse(expression, timezone)
	if err != nil {
		return nil, err
	}
	return sched, nil
}
