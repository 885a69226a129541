package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"nodegrid/internal/config"
	"nodegrid/internal/domain"
	"nodegrid/internal/engine/auth"
	"nodegrid/internal/events"
	"nodegrid/internal/repo"
)

var (
	// ErrInvalidCredentials is returned on failed username/password login.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrResultFinished is returned when a node submits output for a result
	// that already carries a finish timestamp.
	ErrResultFinished = errors.New("task result already finished")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() string {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// newAPIKey issues a node credential from a CSPRNG-backed UUID.
func newAPIKey() string {
	return uuid.NewString()
}

// ListNodes returns every node for admins and the caller's organization's
// nodes for everyone else.
func (e Engine) ListNodes(ctx context.Context, callerOrgID int64, role string) ([]domain.Node, error) {
	f := repo.NodeFilters{}
	if role != domain.RoleAdmin {
		f.OrganizationID = callerOrgID
	}
	return e.Repo.ListNodes(ctx, f)
}

// CreateNode registers a node in the caller's organization for the given
// collaboration and issues it a fresh API key. The returned node carries the
// plaintext key; only its hash is stored.
func (e Engine) CreateNode(ctx context.Context, collaborationID, callerOrgID int64, actorID string) (domain.Node, error) {
	collab, err := e.Repo.GetCollaboration(ctx, collaborationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Node{}, auth.ValidationError{Msg: fmt.Sprintf("collaboration_id '%d' does not exist", collaborationID)}
		}
		return domain.Node{}, err
	}
	org, err := e.Repo.GetOrganization(ctx, callerOrgID)
	if err != nil {
		return domain.Node{}, err
	}
	key := newAPIKey()
	node := domain.Node{
		Name:            fmt.Sprintf("%s - %s Node", org.Name, collab.Name),
		OrganizationID:  org.ID,
		CollaborationID: collab.ID,
		CreatedAt:       e.now(),
	}
	node, err = e.Repo.InsertNode(ctx, node, repo.HashSecret(key))
	if err != nil {
		return domain.Node{}, err
	}
	node.APIKey = key
	if err := e.Events.Append(ctx, nil, "node.created", "node", fmt.Sprint(node.ID), actorID,
		events.EventPayload{"organization_id": node.OrganizationID, "collaboration_id": node.CollaborationID}); err != nil {
		return domain.Node{}, err
	}
	return node, nil
}

// GetNode enforces the node visibility rule: unknown id before scope, so a
// cross-organization caller learns only that the node exists.
func (e Engine) GetNode(ctx context.Context, id, callerOrgID int64, role string) (domain.Node, error) {
	node, err := e.Repo.GetNode(ctx, id)
	if err != nil {
		return domain.Node{}, err
	}
	if !auth.CanAccessNode(role, callerOrgID, node.OrganizationID) {
		return domain.Node{}, auth.ForbiddenError{Action: "see"}
	}
	return node, nil
}

// UpsertNode implements PUT semantics: an unknown id creates a node exactly
// like CreateNode does, with a store-assigned id rather than the path id.
// A known id is reassigned to the collaboration, keeping its API key.
func (e Engine) UpsertNode(ctx context.Context, id, collaborationID, callerOrgID int64, role, actorID string) (domain.Node, bool, error) {
	node, err := e.Repo.GetNode(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		created, err := e.CreateNode(ctx, collaborationID, callerOrgID, actorID)
		return created, true, err
	}
	if err != nil {
		return domain.Node{}, false, err
	}
	if !auth.CanAccessNode(role, callerOrgID, node.OrganizationID) {
		return domain.Node{}, false, auth.ForbiddenError{Action: "edit"}
	}
	if _, err := e.Repo.GetCollaboration(ctx, collaborationID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Node{}, false, auth.ValidationError{Msg: fmt.Sprintf("collaboration_id '%d' does not exist", collaborationID)}
		}
		return domain.Node{}, false, err
	}
	if err := e.Repo.UpdateNodeCollaboration(ctx, node.ID, collaborationID); err != nil {
		return domain.Node{}, false, err
	}
	node.CollaborationID = collaborationID
	if err := e.Events.Append(ctx, nil, "node.updated", "node", fmt.Sprint(node.ID), actorID,
		events.EventPayload{"collaboration_id": collaborationID}); err != nil {
		return domain.Node{}, false, err
	}
	return node, false, nil
}

// DeleteNode removes a node. Task results that reference it are left in
// place and stay queryable by id.
func (e Engine) DeleteNode(ctx context.Context, id, callerOrgID int64, role, actorID string) error {
	node, err := e.Repo.GetNode(ctx, id)
	if err != nil {
		return err
	}
	if !auth.CanAccessNode(role, callerOrgID, node.OrganizationID) {
		return auth.ForbiddenError{Action: "delete"}
	}
	if err := e.Repo.DeleteNode(ctx, node.ID); err != nil {
		return err
	}
	return e.Events.Append(ctx, nil, "node.deleted", "node", fmt.Sprint(node.ID), actorID, nil)
}

// NodeResults returns a node's task results, optionally restricted to ones
// still awaiting output.
func (e Engine) NodeResults(ctx context.Context, nodeID int64, openOnly bool) ([]domain.TaskResult, error) {
	if _, err := e.Repo.GetNode(ctx, nodeID); err != nil {
		return nil, err
	}
	return e.Repo.ListNodeResults(ctx, nodeID, openOnly)
}

// GetTaskResult fetches a result by id for any authenticated principal.
// There is no ownership check against the caller; see DESIGN.md.
func (e Engine) GetTaskResult(ctx context.Context, id int64) (domain.TaskResult, error) {
	return e.Repo.GetTaskResult(ctx, id)
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Name            string
	CollaborationID int64
	Image           string
	Input           string
	ActorID         string
}

// CreateTask stores a task and fans out one open task result per node
// currently registered in the collaboration, in a single transaction.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, []domain.TaskResult, error) {
	if opts.Name == "" {
		return domain.Task{}, nil, auth.ValidationError{Msg: "name is required"}
	}
	if _, err := e.Repo.GetCollaboration(ctx, opts.CollaborationID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, nil, auth.ValidationError{Msg: fmt.Sprintf("collaboration_id '%d' does not exist", opts.CollaborationID)}
		}
		return domain.Task{}, nil, err
	}
	nodes, err := e.Repo.ListNodes(ctx, repo.NodeFilters{CollaborationID: opts.CollaborationID})
	if err != nil {
		return domain.Task{}, nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, nil, err
	}
	defer tx.Rollback()
	task := domain.Task{
		Name:            opts.Name,
		CollaborationID: opts.CollaborationID,
		Image:           opts.Image,
		Input:           opts.Input,
		CreatedAt:       e.now(),
	}
	task, err = e.Repo.InsertTask(ctx, tx, task)
	if err != nil {
		return domain.Task{}, nil, err
	}
	var results []domain.TaskResult
	for _, node := range nodes {
		tr, err := e.Repo.InsertTaskResult(ctx, tx, task.ID, node.ID)
		if err != nil {
			return domain.Task{}, nil, err
		}
		results = append(results, tr)
	}
	if err := e.Events.Append(ctx, tx, "task.created", "task", fmt.Sprint(task.ID), opts.ActorID,
		events.EventPayload{"collaboration_id": task.CollaborationID, "results": len(results)}); err != nil {
		return domain.Task{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, nil, err
	}
	return task, results, nil
}

func (e Engine) ListTasks(ctx context.Context, collaborationID int64) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, collaborationID)
}

func (e Engine) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

// FinishResult records a node's output for its own open result and stamps
// finished_at, closing it for the pull queue.
func (e Engine) FinishResult(ctx context.Context, resultID, nodeID int64, output string) (domain.TaskResult, error) {
	result, err := e.Repo.GetTaskResult(ctx, resultID)
	if err != nil {
		return domain.TaskResult{}, err
	}
	if result.NodeID != nodeID {
		return domain.TaskResult{}, auth.ForbiddenError{Action: "submit results for"}
	}
	if !result.Open() {
		return domain.TaskResult{}, ErrResultFinished
	}
	now := e.now()
	if result.StartedAt == nil {
		// Best effort; a lost race just means another submit got there first.
		_ = e.Repo.MarkTaskResultStarted(ctx, resultID, now)
	}
	if err := e.Repo.FinishTaskResult(ctx, resultID, output, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TaskResult{}, ErrResultFinished
		}
		return domain.TaskResult{}, err
	}
	if err := e.Events.Append(ctx, nil, "result.finished", "task_result", fmt.Sprint(resultID),
		fmt.Sprintf("node:%d", nodeID), nil); err != nil {
		return domain.TaskResult{}, err
	}
	return e.Repo.GetTaskResult(ctx, resultID)
}

// Authenticate verifies a username/password pair for token issuance.
func (e Engine) Authenticate(ctx context.Context, username, password string) (domain.User, error) {
	user, err := e.Repo.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, ErrInvalidCredentials
		}
		return domain.User{}, err
	}
	if user.PasswordHash != repo.HashSecret(password) {
		return domain.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// CreateUser provisions a user account in an existing organization.
func (e Engine) CreateUser(ctx context.Context, username, password string, orgID int64, role string) (domain.User, error) {
	if username == "" || password == "" {
		return domain.User{}, auth.ValidationError{Msg: "username and password are required"}
	}
	if role != domain.RoleAdmin && role != domain.RoleMember {
		return domain.User{}, auth.ValidationError{Msg: fmt.Sprintf("role '%s' is not valid", role)}
	}
	if _, err := e.Repo.GetOrganization(ctx, orgID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, auth.ValidationError{Msg: fmt.Sprintf("organization_id '%d' does not exist", orgID)}
		}
		return domain.User{}, err
	}
	user := domain.User{
		Username:       username,
		OrganizationID: orgID,
		Role:           role,
		PasswordHash:   repo.HashSecret(password),
		CreatedAt:      e.now(),
	}
	return e.Repo.InsertUser(ctx, user)
}

// CreateOrganization registers a tenant.
func (e Engine) CreateOrganization(ctx context.Context, name, actorID string) (domain.Organization, error) {
	if name == "" {
		return domain.Organization{}, auth.ValidationError{Msg: "name is required"}
	}
	org, err := e.Repo.InsertOrganization(ctx, name, e.now())
	if err != nil {
		return domain.Organization{}, err
	}
	err = e.Events.Append(ctx, nil, "organization.created", "organization", fmt.Sprint(org.ID), actorID, nil)
	return org, err
}

// CreateCollaboration registers a named grouping of organizations. Every
// member organization must already exist.
func (e Engine) CreateCollaboration(ctx context.Context, name string, organizationIDs []int64, actorID string) (domain.Collaboration, error) {
	if name == "" {
		return domain.Collaboration{}, auth.ValidationError{Msg: "name is required"}
	}
	for _, orgID := range organizationIDs {
		if _, err := e.Repo.GetOrganization(ctx, orgID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Collaboration{}, auth.ValidationError{Msg: fmt.Sprintf("organization_id '%d' does not exist", orgID)}
			}
			return domain.Collaboration{}, err
		}
	}
	collab, err := e.Repo.InsertCollaboration(ctx, name, organizationIDs, e.now())
	if err != nil {
		return domain.Collaboration{}, err
	}
	err = e.Events.Append(ctx, nil, "collaboration.created", "collaboration", fmt.Sprint(collab.ID), actorID, nil)
	return collab, err
}
