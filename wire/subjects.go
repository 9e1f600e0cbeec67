package wire

import "strings"

// Stream and subject layout used on NATS.
//
// Producer telemetry goes to the CNS JetStream stream under
// "cns.events.<appId>.<kind>" so consumers replay it in publish order.
// Stimulate commands are core NATS request/reply on
// "cns.command.stimulate.<appId>".
const (
	StreamName          = "CNS"
	EventsSubjectPrefix = "cns.events"
	EventsSubjectAll    = "cns.events.>"
	CommandSubjectAll   = "cns.command.stimulate.>"
	TopologyBucket      = "CNS_TOPOLOGY"
)

// EventsSubject returns the subject for a message kind published by appID.
func EventsSubject(appID string, kind Kind) string {
	return EventsSubjectPrefix + "." + SubjectToken(appID) + "." + SubjectToken(string(kind))
}

// CommandSubject returns the request subject served by appID's probe.
func CommandSubject(appID string) string {
	return "cns.command.stimulate." + SubjectToken(appID)
}

// SubjectToken makes s safe for use as a single NATS subject token and as a
// KV key: separators and wildcards become underscores.
func SubjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '=':
			return r
		default:
			return '_'
		}
	}, s)
}
