package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramSender posts messages to one chat through the Bot API.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{apiBase: defaultTelegramAPI, token: token, chatID: chatID, client: newHTTPClient()}
}

// Send renders the title in bold. Claimant addresses and other free text are
// escaped for the HTML parse mode.
func (t *TelegramSender) Send(ctx context.Context, msg Message) error {
	text := "<b>" + html.EscapeString(msg.Title) + "</b>"
	if msg.Body != "" {
		text += "\n" + html.EscapeString(msg.Body)
	}

	reply, err := postJSON(ctx, t.client, t.apiBase+"/bot"+t.token+"/sendMessage", map[string]any{
		"chat_id":                  t.chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
	if err != nil {
		// The URL embeds the bot token; keep it out of the error.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram: %w", err)
	}

	var status struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if json.Unmarshal(reply, &status) == nil && !status.OK {
		return fmt.Errorf("telegram: sendMessage rejected: %s", status.Description)
	}
	return nil
}

func (t *TelegramSender) Name() string { return "telegram" }
