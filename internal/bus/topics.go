package bus

// Topic names. All topics are partitioned by correlation key; the raw-changes
// partitioning is what pins every fragment of one call to one assembly worker.
const (
	TopicRawChanges = "calls.raw-changes"
	TopicAssembled  = "calls.assembled"
	TopicEnriched   = "calls.enriched"
	TopicDeadLetter = "calls.dead-letter"
)
