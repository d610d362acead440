package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"opsagent/internal/audit"
	"opsagent/internal/domain"
	"opsagent/internal/repo"
)

func (e Engine) CreateSession(ctx context.Context, actorID, projectID string) (domain.Session, error) {
	if _, err := e.Repo.GetUser(ctx, nil, actorID); err != nil {
		return domain.Session{}, fmt.Errorf("user %s: %w", actorID, err)
	}
	if projectID != "" {
		if _, err := e.Repo.GetProject(ctx, nil, projectID); err != nil {
			return domain.Session{}, fmt.Errorf("project %s: %w", projectID, err)
		}
	}
	now := e.stamp()
	s := domain.Session{
		ID:             uuid.NewString(),
		UserID:         actorID,
		ProjectID:      optionalString(projectID),
		Status:         "active",
		CreatedAt:      now,
		LastActivityAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	if err := e.recorder().Append(ctx, tx, audit.Entry{ActorID: actorID, Action: "session_created", TargetType: "session", TargetID: s.ID, Payload: audit.Payload{"project_id": projectID}}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// ListSessions returns actorID's sessions; status filters when set.
func (e Engine) ListSessions(ctx context.Context, actorID, status string) ([]domain.Session, error) {
	return e.Repo.ListSessions(ctx, actorID, status)
}

func (e Engine) GetSession(ctx context.Context, actorID, sessionID string) (domain.Session, error) {
	s, _, err := e.accessSession(ctx, actorID, sessionID)
	return s, err
}

func (e Engine) CancelSession(ctx context.Context, actorID, sessionID string) (domain.Session, error) {
	s, _, err := e.accessSession(ctx, actorID, sessionID)
	if err != nil {
		return s, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.TransitionSession(ctx, tx, sessionID, "active", "cancelled", e.stamp())
	if err != nil {
		return s, err
	}
	if !ok {
		return s, fmt.Errorf("%w: %s is %s", ErrSessionClosed, sessionID, s.Status)
	}
	if err := e.recorder().Append(ctx, tx, audit.Entry{ActorID: actorID, Action: "session_cancelled", TargetType: "session", TargetID: sessionID}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return e.Repo.GetSession(ctx, nil, sessionID)
}

// accessSession loads a session and its acting user. Only the owner or an
// admin may use a session.
func (e Engine) accessSession(ctx context.Context, actorID, sessionID string) (domain.Session, domain.User, error) {
	actor, err := e.Repo.GetUser(ctx, nil, actorID)
	if err != nil {
		return domain.Session{}, domain.User{}, fmt.Errorf("actor %s: %w", actorID, err)
	}
	s, err := e.Repo.GetSession(ctx, nil, sessionID)
	if err != nil {
		return s, actor, fmt.Errorf("session %s: %w", sessionID, err)
	}
	if s.UserID != actor.ID && !e.Auth.IsAdmin(actor.Role) {
		return s, actor, ErrSessionNotOwned
	}
	return s, actor, nil
}

// openSession is accessSession for operations that need an active session.
// The returned user is the session owner, whose permissions tools run with.
func (e Engine) openSession(ctx context.Context, actorID, sessionID string) (domain.Session, domain.User, error) {
	s, actor, err := e.accessSession(ctx, actorID, sessionID)
	if err != nil {
		return s, actor, err
	}
	if s.Status != "active" {
		return s, actor, fmt.Errorf("%w: %s is %s", ErrSessionClosed, sessionID, s.Status)
	}
	if s.UserID == actor.ID {
		return s, actor, nil
	}
	owner, err := e.Repo.GetUser(ctx, nil, s.UserID)
	if errors.Is(err, repo.ErrNotFound) {
		return s, actor, fmt.Errorf("session owner %s: %w", s.UserID, err)
	}
	return s, owner, err
}

func sessionProject(s domain.Session) string {
	if s.ProjectID == nil {
		return ""
	}
	return *s.ProjectID
}
