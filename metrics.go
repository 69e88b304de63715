package plexus

var (
	MetricRequestCount        = []string{"plexus", "request", "count"}
	MetricRequestTimeoutCount = []string{"plexus", "request", "timeout", "count"}
	MetricRequestLatency      = []string{"plexus", "request", "latency"}
	MetricLateAnswerCount     = []string{"plexus", "answer", "late", "count"}
	MetricHandlerCount        = []string{"plexus", "handler", "count"}
	MetricHandlerErrorCount   = []string{"plexus", "handler", "error", "count"}
	MetricDecodeErrorCount    = []string{"plexus", "decode", "error", "count"}
	MetricForwardCount        = []string{"plexus", "forward", "count"}
	MetricUndeliverableCount  = []string{"plexus", "undeliverable", "count"}
	MetricIntroduceCount      = []string{"plexus", "introduce", "count"}
	MetricIntroduceErrorCount = []string{"plexus", "introduce", "error", "count"}
)
