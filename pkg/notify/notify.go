// Package notify provides a best-effort Slack transparency fan-out for
// fatal pipeline errors, satisfying coordinator.Notifier.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Config configures the Slack notifier.
type Config struct {
	Token        string
	Channel      string
	DashboardURL string
}

// slackClient is the narrow surface of *goslack.Client the Service needs,
// so tests can substitute a fake without hitting the network.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...goslack.MsgOption) (string, string, error)
}

// Service posts fatal pipeline_error notifications to a configured Slack
// channel. Every method fails open: a Slack outage or misconfiguration
// never fails the pipeline run that triggered it.
type Service struct {
	client  slackClient
	channel string
	dashURL string
	logger  *slog.Logger
}

// NewService builds a Service from cfg, or returns (nil, nil) if cfg.Token
// is empty — Slack notification is an optional feature, not a hard
// dependency.
func NewService(cfg Config) (*Service, error) {
	if cfg.Token == "" {
		return nil, nil
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("notify: channel is required when a Slack token is configured")
	}
	return NewServiceWithClient(goslack.New(cfg.Token), cfg.Channel, cfg.DashboardURL), nil
}

// NewServiceWithClient builds a Service around an already-constructed
// slack client, primarily for tests.
func NewServiceWithClient(client slackClient, channel, dashboardURL string) *Service {
	return &Service{
		client:  client,
		channel: channel,
		dashURL: dashboardURL,
		logger:  slog.With("component", "notify"),
	}
}

// NotifyPipelineError posts a best-effort alert that session sessionID
// failed at stage for userID. A Slack error is logged and returned wrapped;
// the caller treats it as non-fatal — satisfies coordinator.Notifier.
func (s *Service) NotifyPipelineError(ctx context.Context, sessionID, userID, stage, errMsg string) error {
	if s == nil {
		return nil
	}
	text := fmt.Sprintf(
		"⚠️ Resume pipeline failed\n*Session:* %s\n*User:* %s\n*Stage:* %s\n*Error:* %s",
		sessionID, userID, stage, errMsg,
	)
	if s.dashURL != "" {
		text += fmt.Sprintf("\n<%s/sessions/%s|View session>", s.dashURL, sessionID)
	}

	_, _, err := s.client.PostMessageContext(ctx, s.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		s.logger.Warn("notify: failed to post pipeline_error to slack",
			"session_id", sessionID, "error", err)
		return fmt.Errorf("notify: post pipeline_error: %w", err)
	}
	return nil
}
