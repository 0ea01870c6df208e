package domain

import "fmt"

// Topic identifies one category of upstream state mirrored to clients.
// The set is closed: every Topic must have an entry in topicNames and topicEndpoints.
type Topic int

const (
	TopicMetrics Topic = iota
	TopicPlayers
	TopicServerInfo
	TopicPlugins
	TopicConsole
	TopicChat
	TopicLogs
	TopicWhitelist
	TopicBlacklist
	TopicOps

	topicCount
)

// TopicCount is the size of the closed topic set.
const TopicCount = int(topicCount)

var topicNames = [topicCount]string{
	TopicMetrics:    "metrics",
	TopicPlayers:    "players",
	TopicServerInfo: "server_info",
	TopicPlugins:    "plugins",
	TopicConsole:    "console",
	TopicChat:       "chat",
	TopicLogs:       "logs",
	TopicWhitelist:  "whitelist",
	TopicBlacklist:  "blacklist",
	TopicOps:        "ops",
}

var topicEndpoints = [topicCount]string{
	TopicMetrics:    "/metrics",
	TopicPlayers:    "/players",
	TopicServerInfo: "/server",
	TopicPlugins:    "/plugins",
	TopicConsole:    "/console",
	TopicChat:       "/chat",
	TopicLogs:       "/logs",
	TopicWhitelist:  "/whitelist",
	TopicBlacklist:  "/blacklist",
	TopicOps:        "/ops",
}

// AllTopics returns every topic in the fixed processing order.
func AllTopics() []Topic {
	topics := make([]Topic, 0, topicCount)
	for t := Topic(0); t < topicCount; t++ {
		topics = append(topics, t)
	}
	return topics
}

// Valid reports whether t belongs to the closed topic set.
func (t Topic) Valid() bool {
	return t >= 0 && t < topicCount
}

// String returns the wire tag used in the "type" field of outbound messages.
func (t Topic) String() string {
	if !t.Valid() {
		return fmt.Sprintf("topic(%d)", int(t))
	}
	return topicNames[t]
}

// Endpoint returns the upstream API path serving this topic.
func (t Topic) Endpoint() string {
	if !t.Valid() {
		return ""
	}
	return topicEndpoints[t]
}

// ParseTopic resolves a wire tag to its Topic.
func ParseTopic(name string) (Topic, error) {
	for t := Topic(0); t < topicCount; t++ {
		if topicNames[t] == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTopic, name)
}
