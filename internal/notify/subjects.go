// Package notify fans out session lifecycle events to external log/audit
// consumers over NATS, satisfying the plugin.Publisher contract so
// built-in plugins can re-publish session notifications externally.
package notify

// NATS subject constants, following the domain.action naming convention.
const (
	SubjectSessionSubmitted    = "deviceorch.session.submitted"
	SubjectSessionStarted      = "deviceorch.session.started"
	SubjectSessionEnded        = "deviceorch.session.ended"
	SubjectSessionNotification = "deviceorch.session.notification"
	SubjectTestStarted         = "deviceorch.test.started"
	SubjectTestEnded           = "deviceorch.test.ended"
)

// SubjectForPluginLabel scopes a plugin-originated notification to its
// own subtree, so external consumers can subscribe to one plugin's
// output without seeing every session's traffic.
func SubjectForPluginLabel(label string) string {
	return SubjectSessionNotification + "." + label
}
