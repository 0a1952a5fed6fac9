package export

import (
	"context"

	"github.com/slack-go/slack"

	"github.com/flowwatch/flowwatch/internal/ports"
)

// SlackNotifier posts messages to a channel via a Slack bot token.
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier builds a notifier bound to channel, authenticating
// with botToken. httpClient may be nil to use Slack's default
// transport, or a traced client (e.g. wrapping otelhttp.NewTransport)
// to export spans for outbound webhook calls.
func NewSlackNotifier(botToken, channel string, httpClient slack.HTTPClient) *SlackNotifier {
	opts := []slack.Option{}
	if httpClient != nil {
		opts = append(opts, slack.OptionHTTPClient(httpClient))
	}
	return &SlackNotifier{
		client:  slack.New(botToken, opts...),
		channel: channel,
	}
}

func (n *SlackNotifier) Notify(ctx context.Context, message string) error {
	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(message, false))
	return err
}

var _ ports.ChatNotifier = (*SlackNotifier)(nil)
