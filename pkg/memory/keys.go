package memory

import (
	"strconv"
	"strings"
)

// NormalizeTopic lowercases a topic and collapses whitespace so that the
// same topic typed differently maps to one global key.
func NormalizeTopic(topic string) string {
	return strings.Join(strings.Fields(strings.ToLower(topic)), " ")
}

func ItemsKey(sessionID string) string {
	return "session/" + sessionID + "/items"
}

func SummaryKey(sessionID, itemID string) string {
	return "session/" + sessionID + "/summary/" + itemID
}

func CrossRefKey(sessionID string) string {
	return "session/" + sessionID + "/crossref"
}

func ReportKey(sessionID string) string {
	return "session/" + sessionID + "/report"
}

func QAKey(sessionID string, seq int) string {
	return "session/" + sessionID + "/qa/" + strconv.Itoa(seq)
}

// TopicKey addresses the cross-session record a completed run leaves behind.
func TopicKey(topic, sessionID string) string {
	return "topic/" + NormalizeTopic(topic) + "/" + sessionID
}
