package domain

// Roles a user can hold within their organization. Admins bypass
// organization scoping on every resource.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

type Organization struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Collaboration struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	OrganizationIDs []int64 `json:"organization_ids"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type User struct {
	ID             int64  `json:"id"`
	Username       string `json:"username"`
	OrganizationID int64  `json:"organization_id"`
	Role           string `json:"role" enum:"admin,member"`
	PasswordHash   string `json:"-"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

// Node is a compute-agent identity. APIKey carries the plaintext key only
// on the response that created the node; at rest the store keeps its hash.
type Node struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	OrganizationID  int64  `json:"organization_id"`
	CollaborationID int64  `json:"collaboration_id"`
	APIKey          string `json:"api_key,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	CollaborationID int64  `json:"collaboration_id"`
	Image           string `json:"image,omitempty"`
	Input           string `json:"input,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

// TaskResult is a node's outcome slot for a task. It is "open" while
// FinishedAt is unset; that predicate is what nodes poll on.
type TaskResult struct {
	ID         int64   `json:"id"`
	TaskID     int64   `json:"task_id"`
	NodeID     int64   `json:"node_id"`
	Output     *string `json:"output,omitempty"`
	StartedAt  *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
}

// Open reports whether the result still awaits output from its node.
func (r TaskResult) Open() bool {
	return r.FinishedAt == nil
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
