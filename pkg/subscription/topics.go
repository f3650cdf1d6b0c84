// Package subscription keeps track of which broker topics the client is
// subscribed to and routes inbound messages to the callback bound to each
// topic.
package subscription

import (
	"fmt"
	"strings"
)

// TopicKind is the last segment of a device topic.
type TopicKind string

const (
	// KindQuota carries all-quota telemetry.
	KindQuota TopicKind = "quota"
	// KindStatus carries online/offline reports. The broker may never deliver it.
	KindStatus TopicKind = "status"
	// KindSet is where commands are published.
	KindSet TopicKind = "set"
	// KindSetReply carries command acknowledgements.
	KindSetReply TopicKind = "set_reply"
)

// Kinds lists every topic kind.
var Kinds = []TopicKind{KindQuota, KindStatus, KindSet, KindSetReply}

// Valid reports whether k is a known kind.
func (k TopicKind) Valid() bool {
	switch k {
	case KindQuota, KindStatus, KindSet, KindSetReply:
		return true
	}
	return false
}

// ParseTopicKind accepts a kind name. "quotaAll" is accepted as an alias of quota.
func ParseTopicKind(s string) (TopicKind, error) {
	if s == "quotaAll" {
		return KindQuota, nil
	}
	k := TopicKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown topic kind %q", s)
	}
	return k, nil
}

// ResolveTopic substitutes account and device id into /open/{account}/{deviceId}/{kind}.
func ResolveTopic(kind TopicKind, account, deviceID string) string {
	return "/open/" + account + "/" + deviceID + "/" + string(kind)
}

// validSegment rejects values that would change the topic structure or act
// as wildcards.
func validSegment(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s must not be empty", name)
	}
	if strings.ContainsAny(value, "/+#") {
		return fmt.Errorf("%s %q must not contain '/', '+' or '#'", name, value)
	}
	return nil
}
