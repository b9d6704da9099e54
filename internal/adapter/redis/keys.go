package rediskv

import "strings"

// CampaignKeys computes the key layout for one campaign. The `{<id>}`
// hash-tag keeps every key of a campaign on one cluster shard so multi-key
// scripts stay atomic.
type CampaignKeys struct {
	ID string
}

// Keys returns the key layout for a campaign.
func Keys(campaignID string) CampaignKeys { return CampaignKeys{ID: campaignID} }

func (k CampaignKeys) prefix() string { return "campaign:{" + k.ID + "}:" }

// Limit is the configured concurrent limit.
func (k CampaignKeys) Limit() string { return k.prefix() + "limit" }

// Leases is the membership set of active callIds and pre-dial members.
func (k CampaignKeys) Leases() string { return k.prefix() + "leases" }

// Lease is the per-member token key; its presence means the lease is alive.
func (k CampaignKeys) Lease(member string) string { return k.prefix() + "lease:" + member }

// Reserved is the integer counter of promoter-reserved slots.
func (k CampaignKeys) Reserved() string { return k.prefix() + "reserved" }

// Ledger is the sorted set of origin:jobId reservation entries.
func (k CampaignKeys) Ledger() string { return k.prefix() + "reserved:ledger" }

// Waitlist is the FIFO list for a priority ("high" or "normal").
func (k CampaignKeys) Waitlist(priority string) string { return k.prefix() + "waitlist:" + priority }

// Marker is the per-job idempotency marker preventing double-push.
func (k CampaignKeys) Marker(jobID string) string { return k.prefix() + "waitlist:marker:" + jobID }

// Seen is the contact-level dedup set.
func (k CampaignKeys) Seen() string { return k.prefix() + "waitlist:seen" }

// Gate is the monotonic promotion epoch.
func (k CampaignKeys) Gate() string { return k.prefix() + "promote-gate" }

// GateSeq is the INCR source feeding the gate.
func (k CampaignKeys) GateSeq() string { return k.prefix() + "promote-gate:seq" }

// Mutex serializes promoters for the campaign.
func (k CampaignKeys) Mutex() string { return k.prefix() + "promote-mutex" }

// Fairness is the counter steering the high/normal pop bias.
func (k CampaignKeys) Fairness() string { return k.prefix() + "fairness" }

// Paused marks the campaign paused while present.
func (k CampaignKeys) Paused() string { return k.prefix() + "paused" }

// ColdStart holds the cold-start guard state ("blocking" or "done").
func (k CampaignKeys) ColdStart() string { return k.prefix() + "cold-start" }

// CBFail is the circuit breaker failure counter.
func (k CampaignKeys) CBFail() string { return k.prefix() + "cb:fail" }

// Circuit holds "open" while the breaker is tripped.
func (k CampaignKeys) Circuit() string { return k.prefix() + "circuit" }

// PreDialMember is the lease-set member for a call still being placed.
func PreDialMember(callID string) string { return "pre-" + callID }

// IsPreDialMember reports whether a lease-set member is a pre-dial entry.
func IsPreDialMember(member string) bool { return strings.HasPrefix(member, "pre-") }

// SlotAvailableChannel is the pub/sub channel the lease registry publishes on
// when a slot frees up.
func SlotAvailableChannel(campaignID string) string {
	return "campaign:" + campaignID + ":slot-available"
}

// SlotAvailablePattern matches every campaign's slot-available channel.
const SlotAvailablePattern = "campaign:*:slot-available"

// CampaignFromChannel extracts the campaign id from a slot-available channel
// name; empty when the channel does not match.
func CampaignFromChannel(channel string) string {
	rest, ok := strings.CutPrefix(channel, "campaign:")
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(rest, ":slot-available")
	if !ok {
		return ""
	}
	return id
}

// LeaderKey is the cluster-wide leader election lease key.
const LeaderKey = "dialer:leader"
