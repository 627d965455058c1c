package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickCompleted(duration time.Duration, fired int, err error)              {}
func (n *NoopSink) TriggerMisfired()                                                        {}
func (n *NoopSink) JobTransition(kind string, state string)                                 {}
func (n *NoopSink) QueueDepth(queue string, depth int)                                      {}
func (n *NoopSink) ScanCompleted(kind string, outcome string, d time.Duration)              {}
func (n *NoopSink) PlatformCallCompleted(platform string, outcome string, d time.Duration)  {}
func (n *NoopSink) CandidatesDeduplicated(count int)                                        {}
func (n *NoopSink) WorkersBusyIncr()                                                        {}
func (n *NoopSink) WorkersBusyDecr()                                                        {}
func (n *NoopSink) RegionDeactivated(region string)                                         {}
func (n *NoopSink) RegionReactivated(region string)                                         {}
func (n *NoopSink) JobsReclaimed(queue string, count int)                                   {}
func (n *NoopSink) TakedownTransition(status string)                                        {}
func (n *NoopSink) NoticeSendCompleted(outcome string, d time.Duration)                     {}
func (n *NoopSink) NotificationOutcome(channel string, outcome string)                      {}
func (n *NoopSink) RemoteCallCompleted(service string, statusClass string, d time.Duration) {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                       {}
func (n *NoopSink) LeaderAcquired()                                                         {}
func (n *NoopSink) LeaderLost(reason string)                                                {}
