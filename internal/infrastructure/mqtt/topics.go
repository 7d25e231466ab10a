package mqtt

import "fmt"

// Topic layout:
//
//	hearth/system/status          — retained core online/offline status (+ LWT)
//	hearth/hub/<serial>/token     — retained rotation announcements per hub
//
// Hubs subscribe only to their own serial's topic. Announcements never
// carry token material — just the version numbers, so a hub knows to call
// the pairing endpoint and acknowledge.
const (
	// TopicSystemStatus is the retained core status topic.
	TopicSystemStatus = "hearth/system/status"

	// topicHubTokenFmt is the per-hub token announcement topic format.
	topicHubTokenFmt = "hearth/hub/%s/token"
)

// HubTokenTopic returns the token announcement topic for a hub serial.
func HubTokenTopic(serial string) string {
	return fmt.Sprintf(topicHubTokenFmt, serial)
}
