package tools

import (
	"context"
	"errors"
	"fmt"

	"opsagent/internal/repo"
)

type sendDMParams struct {
	Email   string `json:"email" format:"email"`
	Message string `json:"message" minLength:"1" maxLength:"4000"`
}

type sendChannelParams struct {
	Channel string `json:"channel" minLength:"1" maxLength:"80"`
	Message string `json:"message" minLength:"1" maxLength:"4000"`
}

type linkProjectParams struct {
	ProjectID string `json:"project_id" minLength:"1"`
	Channel   string `json:"channel" minLength:"1" maxLength:"80"`
}

var errNoNotifier = errors.New("messaging is not configured")

// Sending a message is a side effect, so the messaging tools are marked as
// mutating and preview through their simulated variants.
func messagingTools(d Deps) []Tool {
	return []Tool{
		NewTyped(Definition{
			Name:         "slack_send_dm",
			Description:  "Send a direct message to a user by email",
			Category:     CategoryMessaging,
			Scopes:       []string{"slack:write"},
			Mutates:      true,
			RequiresAuth: true,
			RateLimit:    messagingLimit,
		}, func(ctx context.Context, tc Context, in sendDMParams) (any, error) {
			if d.Notifier == nil {
				return nil, errNoNotifier
			}
			if _, err := d.Repo.GetUserByEmail(ctx, in.Email); err != nil {
				return nil, fmt.Errorf("recipient %s: %w", in.Email, err)
			}
			if err := d.Notifier.SendDM(ctx, in.Email, in.Message); err != nil {
				return nil, err
			}
			return map[string]any{"sent": true, "to": in.Email, "at": d.stamp()}, nil
		}, func(ctx context.Context, tc Context, in sendDMParams) (any, error) {
			if _, err := d.Repo.GetUserByEmail(ctx, in.Email); err != nil {
				return nil, fmt.Errorf("recipient %s: %w", in.Email, err)
			}
			return map[string]any{"would_send": true, "to": in.Email, "message": in.Message}, nil
		}),

		NewTyped(Definition{
			Name:         "slack_send_channel",
			Description:  "Post a message to a channel",
			Category:     CategoryMessaging,
			Scopes:       []string{"slack:write"},
			Mutates:      true,
			RequiresAuth: true,
			RateLimit:    messagingLimit,
		}, func(ctx context.Context, tc Context, in sendChannelParams) (any, error) {
			if d.Notifier == nil {
				return nil, errNoNotifier
			}
			if err := d.Notifier.SendChannel(ctx, in.Channel, in.Message); err != nil {
				return nil, err
			}
			return map[string]any{"sent": true, "channel": in.Channel, "at": d.stamp()}, nil
		}, func(ctx context.Context, tc Context, in sendChannelParams) (any, error) {
			return map[string]any{"would_send": true, "channel": in.Channel, "message": in.Message}, nil
		}),

		NewTyped(Definition{
			Name:         "slack_link_project",
			Description:  "Link a project to a channel for its notifications",
			Category:     CategoryMessaging,
			Scopes:       []string{"slack:write", "write:projects"},
			Mutates:      true,
			RequiresAuth: true,
			RateLimit:    writeLimit,
		}, func(ctx context.Context, tc Context, in linkProjectParams) (any, error) {
			if _, err := d.Repo.GetProject(ctx, nil, in.ProjectID); err != nil {
				return nil, fmt.Errorf("project %s: %w", in.ProjectID, err)
			}
			ch := in.Channel
			if err := d.Repo.UpdateProject(ctx, nil, in.ProjectID, repo.ProjectPatch{SlackChannel: &ch, UpdatedAt: d.stamp()}); err != nil {
				return nil, fmt.Errorf("link project: %w", err)
			}
			return d.Repo.GetProject(ctx, nil, in.ProjectID)
		}, func(ctx context.Context, tc Context, in linkProjectParams) (any, error) {
			p, err := d.Repo.GetProject(ctx, nil, in.ProjectID)
			if err != nil {
				return nil, fmt.Errorf("project %s: %w", in.ProjectID, err)
			}
			return map[string]any{"project": p, "would_link": in.Channel}, nil
		}),
	}
}
