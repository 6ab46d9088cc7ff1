package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every Signpost topic.
const TopicPrefix = "signpost"

// Sign topic kinds, the last segment of signpost/sign/{id}/{kind}.
const (
	KindStatus  = "status"
	KindState   = "state"
	KindCommand = "command"
)

// Topics provides builders for Signpost MQTT topics.
//
//	mqtt.Topics{}.SignCommand("7") // "signpost/sign/7/command"
type Topics struct{}

// SystemStatus returns the retained server liveness topic.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// SignStatus returns the topic a sign publishes telemetry on.
func (Topics) SignStatus(id string) string {
	return signTopic(id, KindStatus)
}

// SignState returns the retained snapshot topic for a sign.
func (Topics) SignState(id string) string {
	return signTopic(id, KindState)
}

// SignCommand returns the retained command topic a sign subscribes to.
func (Topics) SignCommand(id string) string {
	return signTopic(id, KindCommand)
}

// AllSignStatus matches telemetry from every sign.
func (Topics) AllSignStatus() string {
	return signTopic("+", KindStatus)
}

// AllSignTopics matches everything under signpost/sign.
func (Topics) AllSignTopics() string {
	return TopicPrefix + "/sign/#"
}

func signTopic(id, kind string) string {
	return fmt.Sprintf("%s/sign/%s/%s", TopicPrefix, id, kind)
}

// ParseSignTopic splits signpost/sign/{id}/{kind} into its id and kind.
// ok is false for any other shape, including wildcard ids.
func ParseSignTopic(topic string) (id, kind string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[1] != "sign" {
		return "", "", false
	}
	id, kind = parts[2], parts[3]
	if id == "" || kind == "" || id == "+" || id == "#" {
		return "", "", false
	}
	return id, kind, true
}
