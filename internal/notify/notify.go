// Package notify sends optional Slack alerts for admin-relevant events:
// proposal submission/approval/rejection and login lockout. It is pure
// ambient observability — Pincer's security model never depends on a
// notification actually being delivered. Grounded on the teacher's
// pkg/slack.Notifier (noop-when-unconfigured shape, PostMessageContext
// usage).
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier posts admin-facing messages to a single Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// New creates a Notifier. If botToken is empty, the notifier is a noop.
func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier will actually post to Slack.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// ProposalSubmitted notifies that a new adapter proposal awaits review.
func (n *Notifier) ProposalSubmitted(ctx context.Context, adapterID string, revision int, proposalID string) {
	n.post(ctx, fmt.Sprintf(":inbox_tray: proposal %s submitted: adapter `%s` revision %d", proposalID, adapterID, revision))
}

// ProposalApproved notifies that a proposal was activated.
func (n *Notifier) ProposalApproved(ctx context.Context, adapterID string, revision int) {
	n.post(ctx, fmt.Sprintf(":white_check_mark: adapter `%s` revision %d activated", adapterID, revision))
}

// ProposalRejected notifies that a proposal was rejected, with its reason.
func (n *Notifier) ProposalRejected(ctx context.Context, adapterID string, revision int, reason string) {
	msg := fmt.Sprintf(":x: adapter `%s` revision %d rejected", adapterID, revision)
	if reason != "" {
		msg += fmt.Sprintf(": %s", reason)
	}
	n.post(ctx, msg)
}

// LoginLocked notifies that a client has been locked out after repeated
// failed admin logins.
func (n *Notifier) LoginLocked(ctx context.Context, username, clientID string, retryAfterSeconds int) {
	n.post(ctx, fmt.Sprintf(":lock: admin login locked for `%s` from `%s`, retry in %ds", username, clientID, retryAfterSeconds))
}

// RuntimeRotated notifies that the runtime key and HMAC secret were rotated.
func (n *Notifier) RuntimeRotated(ctx context.Context, keyID, actor string) {
	n.post(ctx, fmt.Sprintf(":key: runtime key rotated to `%s` by `%s`", keyID, actor))
}

func (n *Notifier) post(ctx context.Context, text string) {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping admin notification", "message", text)
		return
	}
	if _, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false)); err != nil {
		n.logger.Error("posting admin notification to slack", "error", err)
	}
}
