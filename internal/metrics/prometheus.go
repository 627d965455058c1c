package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Trigger engine
	ticksTotal      prometheus.Counter
	tickErrorsTotal prometheus.Counter
	firesTotal      prometheus.Counter
	misfiresTotal   prometheus.Counter
	tickDuration    prometheus.Histogram

	// Scan job queue
	jobTransitionsTotal *prometheus.CounterVec
	queueDepth          *prometheus.GaugeVec

	// Scan orchestrator
	scansTotal          *prometheus.CounterVec
	scanDuration        *prometheus.HistogramVec
	platformCallsTotal  *prometheus.CounterVec
	platformCallLatency *prometheus.HistogramVec
	duplicatesTotal     prometheus.Counter
	workersBusy         prometheus.Gauge

	// Region pool
	regionDeactivationsTotal *prometheus.CounterVec
	regionReactivationsTotal *prometheus.CounterVec
	regionActive             *prometheus.GaugeVec

	// Watchdog
	reclaimedTotal *prometheus.CounterVec

	// Takedown queue
	takedownTransitionsTotal *prometheus.CounterVec
	noticeSendsTotal         *prometheus.CounterVec
	noticeSendDuration       prometheus.Histogram

	// Notification dispatcher
	notificationsTotal *prometheus.CounterVec

	// Remote collaborators
	remoteCallsTotal   *prometheus.CounterVec
	remoteCallDuration *prometheus.HistogramVec

	// Leader election
	isLeader            prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSchedulerMetrics(reg)
	s.initJobMetrics(reg)
	s.initScanMetrics(reg)
	s.initRegionMetrics(reg)
	s.initTakedownMetrics(reg)
	s.initDeliveryMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "contentguard_scheduler_ticks_total",
		Help: "Total number of trigger engine ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "contentguard_scheduler_tick_errors_total",
		Help: "Total number of trigger engine ticks that ended with an error.",
	})
	s.firesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "contentguard_scheduler_fires_total",
		Help: "Total number of trigger fires submitted as jobs.",
	})
	s.misfiresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "contentguard_scheduler_misfires_total",
		Help: "Total number of fires skipped because they were past the misfire grace.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "contentguard_scheduler_tick_duration_seconds",
		Help:    "Duration of each trigger engine tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	s.register(reg, s.ticksTotal, "contentguard_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "contentguard_scheduler_tick_errors_total")
	s.register(reg, s.firesTotal, "contentguard_scheduler_fires_total")
	s.register(reg, s.misfiresTotal, "contentguard_scheduler_misfires_total")
	s.register(reg, s.tickDuration, "contentguard_scheduler_tick_duration_seconds")
}

func (s *PrometheusSink) initJobMetrics(reg prometheus.Registerer) {
	s.jobTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contentguard_jobs_transitions_total",
		Help: "Total number of scan job state transitions.",
	}, []string{"kind", "state"})
	s.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "contentguard_queue_depth",
		Help: "Number of entries in each queue or index.",
	}, []string{"queue"})
	s.reclaimedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contentguard_watchdog_reclaimed_total",
		Help: "Total number of stale entries reclaimed by the watchdog.",
	}, []string{"queue"})

	s.register(reg, s.jobTransitionsTotal, "contentguard_jobs_transitions_total")
	s.register(reg, s.queueDepth, "contentguard_queue_depth")
	s.register(reg, s.reclaimedTotal, "contentguard_watchdog_reclaimed_total")
}

func (s *PrometheusSink) initScanMetrics(reg prometheus.Registerer) {
	s.scansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contentguard_scans_total",
		Help: "Total number of scan jobs processed, by kind and outcome.",
	}, []string{"kind", "outcome"})
	s.scanDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contentguard_scan_duration_seconds",
		Help:    "Wall time of each scan job in seconds.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"kind"})
	s.platformCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contentguard_platform_calls_total",
		Help: "Total number of platform search calls, by platform and outcome.",
	}, []string{"platform", "outcome"})
	s.platformCallLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contentguard_platform_call_duration_seconds",
		Help:    "Platform search call latency in seconds, including rate limiter wait.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"platform"})
	s.duplicatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "contentguard_candidates_deduplicated_total",
		Help: "Total number of candidate URLs dropped as duplicates.",
	})
	s.workersBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "contentguard_scan_workers_busy",
		Help: "Number of scan workers currently executing a job.",
	})

	s.register(reg, s.scansTotal, "contentguard_scans_total")
	s.register(reg, s.scanDuration, "contentguard_scan_duration_seconds")
	s.register(reg, s.platformCallsTotal, "contentguard_platform_calls_total")
	s.register(reg, s.platformCallLatency, "contentguard_platform_call_duration_seconds")
	s.register(reg, s.duplicatesTotal, "contentguard_candidates_deduplicated_total")
	s.register(reg, s.workersBusy, "contentguard_scan_workers_busy")
}

func (s *PrometheusSink) initRegionMetrics(reg prometheus.Registerer) {
	s.regionDeactivationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contentguard_region_deactivations_total",
		Help: "Total number of times a region was marked unhealthy.",
	}, []string{"region"})
	s.regionReactivationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contentguard_region_reactivations_total",
		Help: "Total number of times a region was returned to service.",
	}, []string{"region"})
	s.regionActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "contentguard_region_active",
		Help: "1 if the region is in service, 0 otherwise.",
	}, []string{"region"})

	s.register(reg, s.regionDeactivationsTotal, "contentguard_region_deactivations_total")
	s.register(reg, s.regionReactivationsTotal, "contentguard_region_reactivations_total")
	s.register(reg, s.regionActive, "contentguard_region_active")
}

func (s *PrometheusSink) initTakedownMetrics(reg prometheus.Registerer) {
	s.takedownTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contentguard_takedown_transitions_total",
		Help: "Total number of takedown request state transitions, by new status.",
	}, []string{"status"})
	s.noticeSendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contentguard_takedown_notice_sends_total",
		Help: "Total number of takedown notice send attempts, by outcome.",
	}, []string{"outcome"})
	s.noticeSendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "contentguard_takedown_notice_send_duration_seconds",
		Help:    "Takedown notice send latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.register(reg, s.takedownTransitionsTotal, "contentguard_takedown_transitions_total")
	s.register(reg, s.noticeSendsTotal, "contentguard_takedown_notice_sends_total")
	s.register(reg, s.noticeSendDuration, "contentguard_takedown_notice_send_duration_seconds")
}

func (s *PrometheusSink) initDeliveryMetrics(reg prometheus.Registerer) {
	s.notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contentguard_notifications_total",
		Help: "Total number of notification delivery outcomes, by channel.",
	}, []string{"channel", "outcome"})
	s.remoteCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contentguard_remote_calls_total",
		Help: "Total number of calls to external collaborators, by status class.",
	}, []string{"service", "status_class"})
	s.remoteCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contentguard_remote_call_duration_seconds",
		Help:    "External collaborator call latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"service"})

	s.register(reg, s.notificationsTotal, "contentguard_notifications_total")
	s.register(reg, s.remoteCallsTotal, "contentguard_remote_calls_total")
	s.register(reg, s.remoteCallDuration, "contentguard_remote_call_duration_seconds")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "contentguard_leader_is_leader",
		Help: "1 if this instance holds the leader lock, 0 otherwise.",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "contentguard_leader_acquired_total",
		Help: "Total number of times leadership was acquired.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contentguard_leader_lost_total",
		Help: "Total number of times leadership was lost, by reason.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, "contentguard_leader_is_leader")
	s.register(reg, s.leaderAcquiredTotal, "contentguard_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "contentguard_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Trigger engine

func (s *PrometheusSink) TickCompleted(duration time.Duration, fired int, err error) {
	s.ticksTotal.Inc()
	s.tickDuration.Observe(duration.Seconds())
	s.firesTotal.Add(float64(fired))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) TriggerMisfired() {
	s.misfiresTotal.Inc()
}

// Scan job queue

func (s *PrometheusSink) JobTransition(kind string, state string) {
	s.jobTransitionsTotal.WithLabelValues(kind, state).Inc()
}

func (s *PrometheusSink) QueueDepth(queue string, depth int) {
	s.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// Scan orchestrator

func (s *PrometheusSink) ScanCompleted(kind string, outcome string, duration time.Duration) {
	s.scansTotal.WithLabelValues(kind, outcome).Inc()
	s.scanDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (s *PrometheusSink) PlatformCallCompleted(platform string, outcome string, duration time.Duration) {
	s.platformCallsTotal.WithLabelValues(platform, outcome).Inc()
	s.platformCallLatency.WithLabelValues(platform).Observe(duration.Seconds())
}

func (s *PrometheusSink) CandidatesDeduplicated(count int) {
	s.duplicatesTotal.Add(float64(count))
}

func (s *PrometheusSink) WorkersBusyIncr() {
	s.workersBusy.Inc()
}

func (s *PrometheusSink) WorkersBusyDecr() {
	s.workersBusy.Dec()
}

// Region pool

func (s *PrometheusSink) RegionDeactivated(region string) {
	s.regionDeactivationsTotal.WithLabelValues(region).Inc()
	s.regionActive.WithLabelValues(region).Set(0)
}

func (s *PrometheusSink) RegionReactivated(region string) {
	s.regionReactivationsTotal.WithLabelValues(region).Inc()
	s.regionActive.WithLabelValues(region).Set(1)
}

// Watchdog

func (s *PrometheusSink) JobsReclaimed(queue string, count int) {
	s.reclaimedTotal.WithLabelValues(queue).Add(float64(count))
}

// Takedown queue

func (s *PrometheusSink) TakedownTransition(status string) {
	s.takedownTransitionsTotal.WithLabelValues(status).Inc()
}

func (s *PrometheusSink) NoticeSendCompleted(outcome string, duration time.Duration) {
	s.noticeSendsTotal.WithLabelValues(outcome).Inc()
	s.noticeSendDuration.Observe(duration.Seconds())
}

// Notification dispatcher

func (s *PrometheusSink) NotificationOutcome(channel string, outcome string) {
	s.notificationsTotal.WithLabelValues(channel, outcome).Inc()
}

// Remote collaborators

func (s *PrometheusSink) RemoteCallCompleted(service string, statusClass string, duration time.Duration) {
	s.remoteCallsTotal.WithLabelValues(service, statusClass).Inc()
	s.remoteCallDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// Leader election

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	s.isLeader.Set(float64(boolToInt(isLeader)))
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
