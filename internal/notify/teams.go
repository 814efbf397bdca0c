package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/codeGROOVE-dev/retry"

	"crguard/internal/crguard"
)

const (
	colorSuccess = "2EB886"
	colorFailure = "D7263D"
	maxFacts     = 10
)

// Teams posts MessageCards to an incoming webhook.
type Teams struct {
	HTTPClient *http.Client
	URL        string
}

// NewTeams creates a Teams notifier for a webhook URL.
func NewTeams(url string) *Teams {
	return &Teams{URL: url, HTTPClient: &http.Client{Timeout: publishTimeout}}
}

type messageCard struct {
	Type       string        `json:"@type"`
	Context    string        `json:"@context"`
	Summary    string        `json:"summary"`
	ThemeColor string        `json:"themeColor"`
	Title      string        `json:"title"`
	Text       string        `json:"text"`
	Sections   []cardSection `json:"sections"`
}

type cardSection struct {
	Title string     `json:"activityTitle,omitempty"`
	Facts []cardFact `json:"facts,omitempty"`
	Text  string     `json:"text,omitempty"`
}

type cardFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func card(s crguard.CRSummary) messageCard {
	verdict, color := "FAILED", colorFailure
	if s.Successful {
		verdict, color = "SUCCESSFUL", colorSuccess
	}
	text := fmt.Sprintf("CR %s %s: %.2f%% compliant (threshold %.0f%%)",
		s.Name, verdict, s.OverallCompliance, s.Threshold*100)

	facts := []cardFact{
		{Name: "Devices in scope", Value: strconv.Itoa(s.ScopeSize)},
		{Name: "Overall compliance", Value: fmt.Sprintf("%.2f%%", s.OverallCompliance)},
		{Name: "Policy success rate", Value: fmt.Sprintf("%.2f%%", s.PolicySuccessRate)},
		{Name: "Online during window", Value: fmt.Sprintf("%.2f%%", s.Availability.Rate)},
	}
	for _, t := range s.Targets {
		if len(facts) >= maxFacts {
			break
		}
		facts = append(facts, cardFact{
			Name:  t.Target.Name,
			Value: fmt.Sprintf("%.2f%% (%d/%d)", t.Rate, t.Compliant, t.Eligible),
		})
	}

	c := messageCard{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		Summary:    text,
		ThemeColor: color,
		Title:      "CR " + s.Name,
		Text:       text,
		Sections:   []cardSection{{Facts: facts}},
	}
	if len(s.Issues) > 0 {
		c.Sections = append(c.Sections, cardSection{Title: "Issues", Text: bulletList(s.Issues)})
	}
	if len(s.NextSteps) > 0 {
		c.Sections = append(c.Sections, cardSection{Title: "Next steps", Text: bulletList(s.NextSteps)})
	}
	return c
}

func bulletList(items []string) string {
	var b bytes.Buffer
	for _, item := range items {
		b.WriteString("- ")
		b.WriteString(item)
		b.WriteString("\n")
	}
	return b.String()
}

// Notify posts the summary card. Server errors are retried; client errors
// are not.
func (t *Teams) Notify(ctx context.Context, s crguard.CRSummary) error {
	body, err := json.Marshal(card(s))
	if err != nil {
		return fmt.Errorf("failed to marshal message card: %w", err)
	}
	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	err = retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("failed to create webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to post webhook: %w", err)
		}
		defer resp.Body.Close() //nolint:errcheck // best effort
		if resp.StatusCode >= http.StatusBadRequest {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 200)) //nolint:errcheck // best effort
			err := fmt.Errorf("webhook returned HTTP %d: %s", resp.StatusCode, msg)
			if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
				return retry.Unrecoverable(err)
			}
			return err
		}
		return nil
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff),
		retry.Context(ctx), retry.LastErrorOnly(true))
	if err != nil {
		return errors.Join(errors.New("teams notification failed"), err)
	}
	log.Printf("[INFO] Posted CR %s summary to Teams", s.Name)
	return nil
}
