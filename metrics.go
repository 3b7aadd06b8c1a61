package gossipmesh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineMetrics are instance-scoped: each engine registers against the
// Registerer it was constructed with, so multiple engines in one process
// never contend over collectors. A nil Registerer yields working,
// unregistered counters.
type engineMetrics struct {
	publishTotal     prometheus.Counter
	publishDuplicate prometheus.Counter

	inboundTotal        prometheus.Counter
	inboundUnsubscribed prometheus.Counter
	inboundThrottled    prometheus.Counter
	inboundPrefilter    prometheus.Counter
	inboundFlowDrop     prometheus.Counter
	inboundDuplicate    prometheus.Counter
	inboundNovel        prometheus.Counter

	egressThrottled prometheus.Counter
	egressDeferred  prometheus.Counter
	sendErrors      prometheus.Counter

	graftsSent    prometheus.Counter
	prunesSent    prometheus.Counter
	graftsDenied  prometheus.Counter
	creditsSent   prometheus.Counter
	hintsSent     prometheus.Counter
}

func newEngineMetrics(reg prometheus.Registerer) engineMetrics {
	counter := func(name, help string) prometheus.Counter {
		return promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "gossipmesh",
			Subsystem: "engine",
			Name:      name,
			Help:      help,
		})
	}

	return engineMetrics{
		publishTotal:     counter("publish_total", "Publishes accepted locally."),
		publishDuplicate: counter("publish_duplicate_total", "Idempotent re-publishes of an already-sent message."),

		inboundTotal:        counter("inbound_total", "Inbound data frames received."),
		inboundUnsubscribed: counter("inbound_unsubscribed_total", "Inbound drops for topics without a local subscription."),
		inboundThrottled:    counter("inbound_throttled_total", "Inbound drops from ingress bucket exhaustion."),
		inboundPrefilter: counter("inbound_prefilter_rejected_total", "Inbound drops from prefilter failure."),
		inboundFlowDrop:  counter("inbound_flow_dropped_total", "Inbound drops from receiver window exhaustion."),
		inboundDuplicate: counter("inbound_duplicate_total", "Inbound messages already seen."),
		inboundNovel:     counter("inbound_novel_total", "Novel inbound messages delivered to the application."),

		egressThrottled: counter("egress_throttled_total", "Sends dropped by the egress bucket."),
		egressDeferred:  counter("egress_deferred_total", "Sends dropped on a hard backpressure signal."),
		sendErrors:      counter("send_errors_total", "Transport send failures."),

		graftsSent:   counter("grafts_sent_total", "GRAFT control frames sent."),
		prunesSent:   counter("prunes_sent_total", "PRUNE control frames sent."),
		graftsDenied: counter("grafts_denied_total", "Inbound GRAFTs denied."),
		creditsSent:  counter("credits_sent_total", "CreditUpdate frames sent."),
		hintsSent:    counter("hints_sent_total", "Availability hint frames sent."),
	}
}
