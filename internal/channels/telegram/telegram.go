// Package telegram implements the Telegram channel adapter on telebot.
package telegram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/mbeukes/cicada/internal/channels"
	. "github.com/mbeukes/cicada/internal/logging"
	"github.com/mbeukes/cicada/internal/types"
)

// Telegram message size cap.
const maxMessageLen = 4096

// Channel is the Telegram adapter. Only direct messages are handled;
// group chat support would need per-chat identity mapping.
type Channel struct {
	token string
	bot   *tele.Bot
}

func New(token string) *Channel {
	return &Channel{token: token}
}

func (c *Channel) Kind() types.ChannelKind { return types.ChannelTelegram }

func (c *Channel) MaxMessageLen() int { return maxMessageLen }

// Run connects and long-polls until ctx is cancelled.
func (c *Channel) Run(ctx context.Context, handler channels.Handler) error {
	bot, err := tele.NewBot(tele.Settings{
		Token:  c.token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return fmt.Errorf("failed to create telegram bot: %w", err)
	}
	c.bot = bot

	bot.Handle(tele.OnText, func(tc tele.Context) error {
		msg := c.inbound(tc)
		if msg == nil {
			return nil
		}
		handler(msg)
		return nil
	})

	// Photos arrive as a separate update type; hand them over with the
	// caption as text and the file downloaded to a temp path.
	bot.Handle(tele.OnPhoto, func(tc tele.Context) error {
		msg := c.inbound(tc)
		if msg == nil {
			return nil
		}
		if photo := tc.Message().Photo; photo != nil {
			path, err := c.download(&photo.File)
			if err != nil {
				L_warn("telegram: photo download failed", "error", err)
			} else {
				msg.Attachments = append(msg.Attachments, types.Attachment{
					Kind: types.AttachmentImage,
					MIME: "image/jpeg",
					Path: path,
				})
			}
		}
		handler(msg)
		return nil
	})

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		bot.Start()
	}()

	L_info("telegram: connected", "bot", bot.Me.Username)

	select {
	case <-ctx.Done():
		bot.Stop()
		<-stopped
		return nil
	case <-stopped:
		return fmt.Errorf("telegram poller stopped")
	}
}

func (c *Channel) inbound(tc tele.Context) *types.InboundMessage {
	sender := tc.Sender()
	if sender == nil || tc.Chat() == nil {
		return nil
	}
	// Private chats only.
	if tc.Chat().Type != tele.ChatPrivate {
		return nil
	}

	name := sender.FirstName
	if sender.LastName != "" {
		name += " " + sender.LastName
	}
	if name == "" {
		name = sender.Username
	}

	ref := types.ChannelRef{
		Channel:  types.ChannelTelegram,
		NativeID: strconv.FormatInt(sender.ID, 10),
	}
	msg := types.NewInboundMessage(ref, name, tc.Text())
	msg.ReplyTo = strconv.FormatInt(tc.Chat().ID, 10)
	return msg
}

func (c *Channel) download(file *tele.File) (string, error) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("cicada-tg-%s.jpg", file.FileID))
	if err := c.bot.Download(file, path); err != nil {
		return "", err
	}
	return path, nil
}

// Send delivers one message. Telegram markdown is best-effort: if the
// text doesn't parse as markdown the message falls back to plain.
func (c *Channel) Send(msg types.OutboundMessage) error {
	if c.bot == nil {
		return fmt.Errorf("telegram not connected")
	}
	chatID, err := strconv.ParseInt(msg.ReplyTo, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram chat id %q: %w", msg.ReplyTo, err)
	}

	_, err = c.bot.Send(tele.ChatID(chatID), msg.Text, tele.ModeMarkdown)
	if err != nil {
		_, err = c.bot.Send(tele.ChatID(chatID), msg.Text)
	}
	return err
}
