package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

// Embed colours by event type.
var discordColours = map[string]int{
	string(domain.EventMarketCreated): 0x5865F2,
	string(domain.EventSettled):       0x57F287,
	string(domain.EventClaimed):       0xFEE75C,
}

const discordDefaultColour = 0x99AAB5

// DiscordSender posts each message as one embed to a channel webhook.
type DiscordSender struct {
	webhookURL string
	username   string
	client     *http.Client
}

func NewDiscordSender(webhookURL, username string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, username: username, client: newHTTPClient()}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Color       int    `json:"color"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
	Timestamp string `json:"timestamp"`
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

func (d *DiscordSender) Send(ctx context.Context, msg Message) error {
	colour, ok := discordColours[msg.Event]
	if !ok {
		colour = discordDefaultColour
	}
	embed := discordEmbed{
		Title:       msg.Title,
		Description: msg.Body,
		Color:       colour,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	embed.Footer.Text = msg.Event

	// Webhooks answer 204 with an empty body.
	if _, err := postJSON(ctx, d.client, d.webhookURL, discordPayload{
		Username: d.username,
		Embeds:   []discordEmbed{embed},
	}); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

func (d *DiscordSender) Name() string { return "discord" }
