package telegram

import (
	"fmt"

	"github.com/mymmrac/telego"

	"github.com/clawgate/clawgate/internal/channels"
)

// messageContext captures the reply/location metadata a Telegram update
// carries outside its text/caption, so the agent turn sees the same context
// a human reading the chat app would.
type messageContext struct {
	ReplyToText   string
	ReplyToSender string
	Latitude      float64
	Longitude     float64
	HasLocation   bool
}

// buildMessageContext extracts reply/location context from msg.
func buildMessageContext(msg *telego.Message, botUsername string) messageContext {
	var ctx messageContext

	if r := msg.ReplyToMessage; r != nil {
		switch {
		case r.Text != "":
			ctx.ReplyToText = r.Text
		case r.Caption != "":
			ctx.ReplyToText = r.Caption
		}
		if r.From != nil {
			switch {
			case r.From.Username == botUsername:
				ctx.ReplyToSender = "bot"
			case r.From.Username != "":
				ctx.ReplyToSender = "@" + r.From.Username
			default:
				ctx.ReplyToSender = r.From.FirstName
			}
		}
	}

	if msg.Location != nil {
		ctx.HasLocation = true
		ctx.Latitude = msg.Location.Latitude
		ctx.Longitude = msg.Location.Longitude
	}

	return ctx
}

// enrichContentWithContext prepends a bracketed context block to content
// when msgCtx carries reply/location metadata worth surfacing to the agent.
func enrichContentWithContext(content string, msgCtx messageContext) string {
	prefix := ""
	if msgCtx.ReplyToText != "" {
		sender := msgCtx.ReplyToSender
		if sender == "" {
			sender = "someone"
		}
		prefix += fmt.Sprintf("[Replying to %s: %s]\n", sender, channels.Truncate(msgCtx.ReplyToText, 200))
	}
	if msgCtx.HasLocation {
		prefix += fmt.Sprintf("[Shared location: %f, %f]\n", msgCtx.Latitude, msgCtx.Longitude)
	}
	if prefix == "" {
		return content
	}
	return prefix + content
}
