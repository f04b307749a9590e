package mqtt

import "strings"

// topicPrefix is the fixed namespace every reader publishes under.
const topicPrefix = "smartreader"

// subscribedSuffixes is the fixed subscription set registered at
// connect and replayed on every reconnect.
var subscribedSuffixes = []string{"manageResult", "controlResult", "tagEvents", "event", "metrics", "lwt"}

// SubscriptionFilters returns the wildcard topic filters the Broker
// Session subscribes to: smartreader/+/<suffix> for each suffix in the
// fixed set.
func SubscriptionFilters() []string {
	filters := make([]string, len(subscribedSuffixes))
	for i, suffix := range subscribedSuffixes {
		filters[i] = topicPrefix + "/+/" + suffix
	}
	return filters
}

// ManageTopic returns the publish topic for manage-class commands
// (status-detailed, upgrade).
func ManageTopic(serial string) string {
	return topicPrefix + "/" + serial + "/manage"
}

// ControlTopic returns the publish topic for every other command type.
func ControlTopic(serial string) string {
	return topicPrefix + "/" + serial + "/control"
}

// ParseTopic splits an inbound topic of the form smartreader/<serial>/<suffix>
// into its serial number and suffix. ok is false if the topic does not
// match the expected shape.
func ParseTopic(topic string) (serial, suffix string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != topicPrefix {
		return "", "", false
	}
	return parts[1], parts[2], true
}
