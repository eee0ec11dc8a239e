// internal/notify/slack.go
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// SlackNotifier posts to a Slack incoming webhook. An empty webhook URL
// disables it.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields,omitempty"`
	Footer string       `json:"footer,omitempty"`
	TS     int64        `json:"ts,omitempty"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a new Slack notifier
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// SlackColor maps a notification type to an attachment color
func SlackColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	}
	return "#439FE0"
}

func slackPayload(n Notification, now time.Time) slackMessage {
	att := slackAttachment{
		Color:  SlackColor(n.Type),
		Title:  n.BatchID,
		Text:   n.Message,
		Footer: "Prompt Ledger",
		TS:     now.Unix(),
	}
	if s := n.Status; s != nil {
		for _, f := range []struct {
			name string
			v    int64
		}{{"Passed", s.Passed}, {"Failed", s.Failed}, {"Errors", s.Errors}, {"Rows", s.Total}} {
			att.Fields = append(att.Fields, slackField{Title: f.name, Value: strconv.FormatInt(f.v, 10), Short: true})
		}
	}
	return slackMessage{Text: n.Title, Attachments: []slackAttachment{att}}
}

// Send posts the notification
func (s *SlackNotifier) Send(ctx context.Context, n Notification) error {
	if s.webhookURL == "" {
		return nil
	}
	body, err := json.Marshal(slackPayload(n, time.Now()))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
