package events

import "fmt"

// ClientTopic is the per-connection channel a hub client of the given type
// and user subscribes to. Frames published here are forwarded down that
// client's socket.
func ClientTopic(clientType, userID string) string {
	return fmt.Sprintf("%s_user_%s", clientType, userID)
}

// ExtensionTopic is the channel an extension connection listens on; the
// command path publishes here.
func ExtensionTopic(userID string) string {
	return ClientTopic("extension", userID)
}

// FrontendTopic is the channel frontend connections listen on; ingested
// extension traffic is re-published here.
func FrontendTopic(userID string) string {
	return ClientTopic("frontend", userID)
}
