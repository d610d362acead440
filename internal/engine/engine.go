package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opsagent/internal/audit"
	"opsagent/internal/config"
	"opsagent/internal/domain"
	"opsagent/internal/engine/auth"
	"opsagent/internal/planner"
	"opsagent/internal/repo"
	"opsagent/internal/tools"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Audit   audit.Recorder
	Tools   *tools.Registry
	Planner planner.Planner
	Auth    auth.Service
	Config  *config.Config
	Log     *zap.SugaredLogger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, reg *tools.Registry, pl planner.Planner, log *zap.SugaredLogger) Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if pl == nil {
		pl = planner.KeywordPlanner{}
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Audit:   audit.Recorder{DB: db},
		Tools:   reg,
		Planner: pl,
		Auth:    auth.New(cfg),
		Config:  cfg,
		Log:     log,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) recorder() audit.Recorder {
	r := e.Audit
	if r.DB == nil {
		r.DB = e.DB
	}
	if r.Now == nil {
		r.Now = e.now
	}
	return r
}

func (e Engine) logger() *zap.SugaredLogger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop().Sugar()
}

var (
	ErrSessionNotOwned = errors.New("session belongs to another user")
	ErrSessionClosed   = errors.New("session is not active")
)

// InvalidPlanError lists every step the planner got wrong.
type InvalidPlanError struct {
	Problems []string
}

func (e *InvalidPlanError) Error() string {
	return "invalid plan: " + strings.Join(e.Problems, "; ")
}

// InvalidTransitionError reports an action the plan's current state forbids.
type InvalidTransitionError struct {
	PlanID string
	From   string
	Action string
}

func (e *InvalidTransitionError) Error() string {
	if e.PlanID == "" {
		return fmt.Sprintf("cannot %s: no plan in a valid state (latest is %s)", e.Action, e.From)
	}
	return fmt.Sprintf("cannot %s plan %s in state %s", e.Action, e.PlanID, e.From)
}

// permissions returns the role's scopes, never nil, so the registry always
// checks them.
func (e Engine) permissions(role string) []string {
	scopes := e.Auth.Scopes(role)
	if scopes == nil {
		scopes = []string{}
	}
	return scopes
}

func (e Engine) toolContext(u domain.User, projectID string) tools.Context {
	return tools.Context{UserID: u.ID, ProjectID: projectID, Permissions: e.permissions(u.Role)}
}

// UserInput describes a user to create.
type UserInput struct {
	ID    string
	Name  string
	Email string
	Role  string
}

func (e Engine) CreateUser(ctx context.Context, in UserInput, actorID string) (domain.User, error) {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Email) == "" {
		return domain.User{}, domain.Invalidf("name and email are required")
	}
	if in.Role == "" {
		in.Role = "user"
	}
	if _, ok := e.Auth.Roles[in.Role]; !ok && len(e.Auth.Roles) > 0 {
		return domain.User{}, domain.Invalidf("unknown role %s", in.Role)
	}
	u := domain.User{
		ID:        in.ID,
		Name:      in.Name,
		Email:     strings.ToLower(strings.TrimSpace(in.Email)),
		Role:      in.Role,
		CreatedAt: e.stamp(),
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	if err := e.recorder().Append(ctx, tx, audit.Entry{ActorID: actorID, Action: "user_created", TargetType: "user", TargetID: u.ID, Payload: audit.Payload{"role": u.Role}}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// CreateAPIKey issues a new key for userID. The plaintext is returned once;
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name, actorID string) (string, domain.APIKey, error) {
	if _, err := e.Repo.GetUser(ctx, nil, userID); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("user %s: %w", userID, err)
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	secret := "ops_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.recorder().Append(ctx, tx, audit.Entry{ActorID: actorID, Action: "api_key_created", TargetType: "user", TargetID: userID, Payload: audit.Payload{"key_id": key.ID}}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return secret, key, nil
}

// RevokeAPIKey deletes a key; requests using it fail from then on.
func (e Engine) RevokeAPIKey(ctx context.Context, keyID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, keyID); err != nil {
		return fmt.Errorf("api key %s: %w", keyID, err)
	}
	if err := e.recorder().Append(ctx, tx, audit.Entry{ActorID: actorID, Action: "api_key_revoked", TargetType: "api_key", TargetID: keyID}); err != nil {
		return err
	}
	return tx.Commit()
}

// SetUserRole changes a user's role. Bearer tokens signed with the old role
// stop authenticating.
func (e Engine) SetUserRole(ctx context.Context, userID, role, actorID string) (domain.User, error) {
	if _, ok := e.Auth.Roles[role]; !ok {
		return domain.User{}, domain.Invalidf("unknown role %s", role)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	u, err := e.Repo.GetUser(ctx, tx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("user %s: %w", userID, err)
	}
	if err := e.Repo.SetUserRole(ctx, tx, userID, role); err != nil {
		return domain.User{}, err
	}
	if err := e.recorder().Append(ctx, tx, audit.Entry{ActorID: actorID, Action: "user_role_changed", TargetType: "user", TargetID: userID, Payload: audit.Payload{"from": u.Role, "to": role}}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	u.Role = role
	return u, nil
}

// Authenticate resolves an API key to its user.
func (e Engine) Authenticate(ctx context.Context, apiKey string) (domain.User, error) {
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(apiKey))
	if err != nil {
		return domain.User{}, err
	}
	if err := e.Repo.TouchAPIKey(ctx, key.ID, e.stamp()); err != nil {
		e.logger().Warnw("api key last-used update failed", "key_id", key.ID, "err", err)
	}
	return e.Repo.GetUser(ctx, nil, key.UserID)
}

// RunTool executes one tool directly as actorID, outside of any plan.
func (e Engine) RunTool(ctx context.Context, actorID, name, projectID string, params map[string]any) (tools.Result, error) {
	u, err := e.Repo.GetUser(ctx, nil, actorID)
	if err != nil {
		return tools.Result{}, fmt.Errorf("actor %s: %w", actorID, err)
	}
	tc := e.toolContext(u, projectID)
	res, err := e.Tools.Execute(ctx, name, tc, params)
	entry := audit.Entry{ActorID: actorID, Action: "tool_invoked", TargetType: "tool", TargetID: name, Duration: res.Duration, TraceID: res.TraceID}
	if err != nil {
		if aerr := e.recorder().LogFailure(ctx, nil, entry, err); aerr != nil {
			e.logger().Warnw("audit write failed", "action", entry.Action, "err", aerr)
		}
		return res, err
	}
	if aerr := e.recorder().LogSuccess(ctx, nil, entry); aerr != nil {
		e.logger().Warnw("audit write failed", "action", entry.Action, "err", aerr)
	}
	return res, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
