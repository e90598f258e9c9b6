package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/johndauphine/erp-aps-sync/internal/config"
)

const (
	slackFooter   = "erp-aps-sync"
	slackMaxError = 500
	colorFailed   = "#dc3545"
	colorDone     = "#36a64f"
)

// Notifier posts cycle alerts to a Slack incoming webhook.
type Notifier struct {
	cfg    config.SlackConfig
	client *http.Client
}

type webhookPayload struct {
	Channel     string       `json:"channel,omitempty"`
	Username    string       `json:"username,omitempty"`
	IconEmoji   string       `json:"icon_emoji,omitempty"`
	Text        string       `json:"text,omitempty"`
	Attachments []attachment `json:"attachments,omitempty"`
}

type attachment struct {
	Color     string  `json:"color,omitempty"`
	Title     string  `json:"title,omitempty"`
	Fields    []field `json:"fields,omitempty"`
	Footer    string  `json:"footer,omitempty"`
	Timestamp int64   `json:"ts,omitempty"`
}

type field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a Slack notifier. A nil cfg yields a disabled notifier.
func New(cfg *config.SlackConfig) *Notifier {
	n := &Notifier{client: &http.Client{Timeout: 10 * time.Second}}
	if cfg != nil {
		n.cfg = *cfg
	}
	if n.cfg.Username == "" {
		n.cfg.Username = slackFooter
	}
	return n
}

// IsEnabled reports whether the webhook is configured and switched on.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.Enabled && n.cfg.WebhookURL != ""
}

// CycleFailed posts the failing stage, entity and error.
func (n *Notifier) CycleFailed(ctx context.Context, r FailureReport) error {
	if !n.IsEnabled() {
		return nil
	}

	errMsg := "Unknown error"
	if r.Cause != nil {
		errMsg = truncate(r.Cause.Error(), slackMaxError)
	}
	entity := r.Entity
	if entity == "" {
		entity = "-"
	}

	return n.post(ctx, ":x:",
		"Sync cycle failed. Control flag left at S; the next cycle will retry.",
		attachment{
			Color: colorFailed,
			Title: "Sync Cycle Failed",
			Fields: []field{
				{"Run ID", r.RunID, true},
				{"Started", stamp(r.CycleStart), true},
				{"Stage", string(r.FailedStage), true},
				{"Entity", entity, true},
				{"Error", errMsg, false},
			},
		})
}

// CycleCompleted posts a summary when notify_done is set.
func (n *Notifier) CycleCompleted(ctx context.Context, s Summary) error {
	if !n.IsEnabled() || !n.cfg.NotifyDone {
		return nil
	}

	text := fmt.Sprintf("Sync cycle completed. Loaded %s rows across %d entities; copied %s scheduling rows back.",
		humanize.Comma(s.RowsLoaded), s.Entities, humanize.Comma(s.RowsCopied))
	return n.post(ctx, ":white_check_mark:", text, attachment{
		Color: colorDone,
		Fields: []field{
			{"Run ID", s.RunID, true},
			{"Started", stamp(s.CycleStart), true},
			{"Duration", s.Duration.Round(time.Second).String(), true},
			{"Entities", strconv.Itoa(s.Entities), true},
		},
	})
}

func (n *Notifier) post(ctx context.Context, icon, text string, a attachment) error {
	a.Footer = slackFooter
	a.Timestamp = time.Now().Unix()
	body, err := json.Marshal(webhookPayload{
		Channel:     n.cfg.Channel,
		Username:    n.cfg.Username,
		IconEmoji:   icon,
		Text:        text,
		Attachments: []attachment{a},
	})
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building Slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func stamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

// truncate cuts s to at most n bytes on a rune boundary and marks the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
