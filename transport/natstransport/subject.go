package natstransport

import "strings"

// Protocol topics are '/'-separated; NATS subjects are '.'-separated. The
// '*' single-segment wildcard has the same meaning in both syntaxes, so
// the mapping is a straight separator swap. Device ids are validated
// upstream to exclude both separators.

func topicToSubject(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

func subjectToTopic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
