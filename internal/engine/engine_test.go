package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"nodegrid/internal/config"
	"nodegrid/internal/db"
	"nodegrid/internal/domain"
	"nodegrid/internal/engine"
	"nodegrid/internal/engine/auth"
	"nodegrid/internal/migrate"
	"nodegrid/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context

	Org1   domain.Organization
	Org2   domain.Organization
	Collab domain.Collaboration
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	org1, err := eng.CreateOrganization(ctx, "IKNL", "seed")
	if err != nil {
		t.Fatalf("create org1: %v", err)
	}
	org2, err := eng.CreateOrganization(ctx, "Small Organization", "seed")
	if err != nil {
		t.Fatalf("create org2: %v", err)
	}
	collab, err := eng.CreateCollaboration(ctx, "ZEPPELIN", []int64{org1.ID, org2.ID}, "seed")
	if err != nil {
		t.Fatalf("create collaboration: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Org1: org1, Org2: org2, Collab: collab}
}

func TestCreateNodeNaming(t *testing.T) {
	env := newTestEnv(t)
	node, err := env.Engine.CreateNode(env.Ctx, env.Collab.ID, env.Org1.ID, "user:1")
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	if node.Name != "IKNL - ZEPPELIN Node" {
		t.Fatalf("node name %q", node.Name)
	}
	if node.APIKey == "" {
		t.Fatal("create must return the plaintext api key")
	}
	// The stored row never carries the plaintext key.
	stored, err := env.Engine.Repo.GetNode(env.Ctx, node.ID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if stored.APIKey != "" {
		t.Fatal("stored node leaks api key")
	}
}

func TestCreateNodeUnknownCollaboration(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateNode(env.Ctx, 12345, env.Org1.ID, "user:1")
	var ve auth.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want validation error, got %v", err)
	}
	if ve.Error() != "collaboration_id '12345' does not exist" {
		t.Fatalf("error msg %q", ve.Error())
	}
}

func TestGetNodeOrderOfChecks(t *testing.T) {
	env := newTestEnv(t)
	node, err := env.Engine.CreateNode(env.Ctx, env.Collab.ID, env.Org1.ID, "user:1")
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	// Unknown id resolves before access: not-found, never forbidden.
	if _, err := env.Engine.GetNode(env.Ctx, 9999, env.Org2.ID, domain.RoleMember); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown node: %v", err)
	}
	_, err = env.Engine.GetNode(env.Ctx, node.ID, env.Org2.ID, domain.RoleMember)
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("cross-org get: %v", err)
	}
	if _, err := env.Engine.GetNode(env.Ctx, node.ID, env.Org2.ID, domain.RoleAdmin); err != nil {
		t.Fatalf("admin get: %v", err)
	}
}

func TestUpsertNodeSemantics(t *testing.T) {
	env := newTestEnv(t)

	// Unknown id creates; the requested id is ignored.
	node, created, err := env.Engine.UpsertNode(env.Ctx, 777, env.Collab.ID, env.Org1.ID, domain.RoleMember, "user:1")
	if err != nil {
		t.Fatalf("upsert create: %v", err)
	}
	if !created {
		t.Fatal("want created=true for unknown id")
	}
	if node.ID == 777 {
		t.Fatal("store must assign its own id")
	}

	collab2, err := env.Engine.CreateCollaboration(env.Ctx, "PIPELINE", []int64{env.Org1.ID}, "seed")
	if err != nil {
		t.Fatalf("create collaboration: %v", err)
	}
	updated, created, err := env.Engine.UpsertNode(env.Ctx, node.ID, collab2.ID, env.Org1.ID, domain.RoleMember, "user:1")
	if err != nil {
		t.Fatalf("upsert update: %v", err)
	}
	if created {
		t.Fatal("want created=false for existing id")
	}
	if updated.CollaborationID != collab2.ID {
		t.Fatalf("collaboration %d, want %d", updated.CollaborationID, collab2.ID)
	}
	if updated.APIKey != "" {
		t.Fatal("update must not issue a new api key")
	}
}

func TestTaskFanOut(t *testing.T) {
	env := newTestEnv(t)
	n1, err := env.Engine.CreateNode(env.Ctx, env.Collab.ID, env.Org1.ID, "user:1")
	if err != nil {
		t.Fatalf("create node 1: %v", err)
	}
	n2, err := env.Engine.CreateNode(env.Ctx, env.Collab.ID, env.Org2.ID, "user:2")
	if err != nil {
		t.Fatalf("create node 2: %v", err)
	}

	task, results, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Name:            "average",
		CollaborationID: env.Collab.ID,
		Image:           "harbor.example.org/algorithms/average:1.0",
		ActorID:         "user:1",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.ID == 0 {
		t.Fatal("task id not assigned")
	}
	if len(results) != 2 {
		t.Fatalf("fan-out produced %d results, want 2", len(results))
	}
	seen := map[int64]bool{}
	for _, r := range results {
		if !r.Open() {
			t.Fatalf("result %d not open at creation", r.ID)
		}
		seen[r.NodeID] = true
	}
	if !seen[n1.ID] || !seen[n2.ID] {
		t.Fatalf("results assigned to %v, want nodes %d and %d", seen, n1.ID, n2.ID)
	}
}

func TestFinishResult(t *testing.T) {
	env := newTestEnv(t)
	n1, err := env.Engine.CreateNode(env.Ctx, env.Collab.ID, env.Org1.ID, "user:1")
	if err != nil {
		t.Fatalf("create node 1: %v", err)
	}
	n2, err := env.Engine.CreateNode(env.Ctx, env.Collab.ID, env.Org2.ID, "user:2")
	if err != nil {
		t.Fatalf("create node 2: %v", err)
	}
	_, results, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Name:            "train",
		CollaborationID: env.Collab.ID,
		Image:           "harbor.example.org/algorithms/train:2.1",
		ActorID:         "user:1",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	var r1 domain.TaskResult
	for _, r := range results {
		if r.NodeID == n1.ID {
			r1 = r
		}
	}

	// Only the assigned node may submit.
	_, err = env.Engine.FinishResult(env.Ctx, r1.ID, n2.ID, "{}")
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("foreign finish: %v", err)
	}

	finished, err := env.Engine.FinishResult(env.Ctx, r1.ID, n1.ID, `{"mean":41.2}`)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if finished.Open() {
		t.Fatal("finished result still open")
	}
	if finished.Output == nil || *finished.Output != `{"mean":41.2}` {
		t.Fatalf("output = %v", finished.Output)
	}

	// First write wins.
	if _, err := env.Engine.FinishResult(env.Ctx, r1.ID, n1.ID, "{}"); !errors.Is(err, engine.ErrResultFinished) {
		t.Fatalf("double finish: %v", err)
	}

	open, err := env.Engine.NodeResults(env.Ctx, n1.ID, true)
	if err != nil {
		t.Fatalf("node results: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("open results after finish = %d, want 0", len(open))
	}
	all, err := env.Engine.NodeResults(env.Ctx, n1.ID, false)
	if err != nil {
		t.Fatalf("node results: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("all results = %d, want 1", len(all))
	}
}

func TestDeleteNodeKeepsResults(t *testing.T) {
	env := newTestEnv(t)
	n1, err := env.Engine.CreateNode(env.Ctx, env.Collab.ID, env.Org1.ID, "user:1")
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	_, results, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Name:            "count",
		CollaborationID: env.Collab.ID,
		Image:           "harbor.example.org/algorithms/count:1.0",
		ActorID:         "user:1",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}

	if err := env.Engine.DeleteNode(env.Ctx, n1.ID, env.Org1.ID, domain.RoleMember, "user:1"); err != nil {
		t.Fatalf("delete node: %v", err)
	}
	// Orphaned results remain queryable by id.
	if _, err := env.Engine.GetTaskResult(env.Ctx, results[0].ID); err != nil {
		t.Fatalf("get orphaned result: %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateUser(env.Ctx, "frank", "secret", env.Org1.ID, domain.RoleMember); err != nil {
		t.Fatalf("create user: %v", err)
	}

	user, err := env.Engine.Authenticate(env.Ctx, "frank", "secret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if user.OrganizationID != env.Org1.ID {
		t.Fatalf("organization %d, want %d", user.OrganizationID, env.Org1.ID)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "frank", "wrong"); !errors.Is(err, engine.ErrInvalidCredentials) {
		t.Fatalf("bad password: %v", err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "nobody", "secret"); !errors.Is(err, engine.ErrInvalidCredentials) {
		t.Fatalf("unknown user: %v", err)
	}
}
