package notify

import (
	"context"
	"fmt"

	slacklib "github.com/slack-go/slack"
)

// SlackAPI abstracts the subset of the Slack client used by SlackMessenger.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slacklib.MsgOption) (string, string, error)
}

// SlackMessenger posts conclusions to a Slack channel.
type SlackMessenger struct {
	api SlackAPI
}

var _ Messenger = (*SlackMessenger)(nil) //nolint:gochecknoglobals // compile-time check

func NewSlackMessenger(api SlackAPI) *SlackMessenger {
	return &SlackMessenger{api: api}
}

func (m *SlackMessenger) Post(ctx context.Context, channelID string, c Conclusion) error {
	_, _, err := m.api.PostMessageContext(ctx, channelID,
		slacklib.MsgOptionText(Text(c), false),
		slacklib.MsgOptionBlocks(BuildConclusionBlocks(c)...),
	)
	if err != nil {
		return fmt.Errorf("notify.SlackMessenger.Post: %w", err)
	}
	return nil
}

func (m *SlackMessenger) Platform() string { return "slack" }

// BuildConclusionBlocks builds Slack Block Kit blocks for a concluded negotiation.
func BuildConclusionBlocks(c Conclusion) []slacklib.Block {
	text := fmt.Sprintf("*%s*\n*Negotiation:* `%s`\n*Status:* `%s`", Text(c), c.NegotiationID, c.Status)
	section := slacklib.NewSectionBlock(
		slacklib.NewTextBlockObject(slacklib.MarkdownType, text, false, false),
		nil,
		nil,
	)
	return []slacklib.Block{section}
}
