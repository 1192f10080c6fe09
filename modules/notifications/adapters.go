package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/printernizer/printernizer/engine"
)

// DiscordAdapter posts messages to a Discord webhook URL.
type DiscordAdapter struct {
	WebhookURL string
}

func (a *DiscordAdapter) Name() string { return "discord" }

func (a *DiscordAdapter) Send(ctx context.Context, client *http.Client, message Message) error {
	payload, err := json.Marshal(map[string]any{
		"username": "Printernizer",
		"embeds": []map[string]any{{
			"title":       message.Title,
			"description": message.Body,
		}},
	})
	if err != nil {
		return err
	}
	return post(ctx, client, a.WebhookURL, "application/json", string(payload), nil)
}

// SlackAdapter posts messages to a Slack incoming webhook.
type SlackAdapter struct {
	WebhookURL string
}

func (a *SlackAdapter) Name() string { return "slack" }

func (a *SlackAdapter) Send(ctx context.Context, client *http.Client, message Message) error {
	payload, err := json.Marshal(map[string]any{
		"text": fmt.Sprintf("*%s*\n%s", message.Title, message.Body),
	})
	if err != nil {
		return err
	}
	return post(ctx, client, a.WebhookURL, "application/json", string(payload), nil)
}

// NtfyAdapter publishes to an ntfy.sh topic. The body is plain text; the
// title travels in a header.
type NtfyAdapter struct {
	ServerURL string // default https://ntfy.sh
	Topic     string
}

func (a *NtfyAdapter) Name() string { return "ntfy" }

func (a *NtfyAdapter) Send(ctx context.Context, client *http.Client, message Message) error {
	server := a.ServerURL
	if server == "" {
		server = "https://ntfy.sh"
	}
	url := strings.TrimRight(server, "/") + "/" + a.Topic
	headers := map[string]string{
		"Title": message.Title,
		"Tags":  "printer",
	}
	return post(ctx, client, url, "text/plain", message.Body, headers)
}

func post(ctx context.Context, client *http.Client, url, contentType, body string, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return engine.Kind(engine.ErrTransientNetwork, "POST webhook: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return engine.Kind(engine.ErrProtocol, "POST webhook: status %d", resp.StatusCode)
	}
	return nil
}
