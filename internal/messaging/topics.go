package messaging

// Kafka topics for pool events
const (
	// TopicContributions carries every accepted contribution, keyed by member id
	TopicContributions = "pool.contributions"
	// TopicRounds carries round lifecycle events, keyed by round id
	TopicRounds = "pool.rounds"
	// TopicRewards carries per-member reward deltas, keyed by member id
	TopicRewards = "pool.rewards"
)

// Consumer groups
const (
	// GroupAudit is used by poolctl audit
	GroupAudit = "orepool-audit"
)
