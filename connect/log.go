package connect

import (
	"fmt"
)

// Logging convention in the `connect` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - disconnects and reconnects
//     - malformed envelopes
//     - patch conflicts and resyncs
//     - failed bond commits
// Error:
//     unrecoverable crash details
// V(1):
//     key events with ids that can be used to filter, e.g. handshake, late responses, bond register
// V(2):
//     every message - send, receive, resolve, patch batch, bond round
//
// Tags:
//     [t] transport, [p] probe, [s] session, [r] request registry, [d] document, [b] bond, [m] mirror

func sessionTag(clientId Id, notebookId string) string {
	if notebookId == "" {
		return clientId.String()
	}
	return fmt.Sprintf("%s@%s", clientId, notebookId)
}
