package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"nodegrid/internal/config"
	"nodegrid/internal/db"
	"nodegrid/internal/domain"
	"nodegrid/internal/engine"
	"nodegrid/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()

	Engine engine.Engine

	Org1    domain.Organization
	Org2    domain.Organization
	Collab  domain.Collaboration
	Collab2 domain.Collaboration

	AdminToken string // admin in org1
	Org1Token  string // member in org1
	Org2Token  string // member in org2
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)

	ctx := context.Background()
	org1, err := e.CreateOrganization(ctx, "IKNL", "seed")
	if err != nil {
		t.Fatalf("create org1: %v", err)
	}
	org2, err := e.CreateOrganization(ctx, "Small Organization", "seed")
	if err != nil {
		t.Fatalf("create org2: %v", err)
	}
	collab, err := e.CreateCollaboration(ctx, "ZEPPELIN", []int64{org1.ID, org2.ID}, "seed")
	if err != nil {
		t.Fatalf("create collaboration: %v", err)
	}
	collab2, err := e.CreateCollaboration(ctx, "PIPELINE", []int64{org1.ID}, "seed")
	if err != nil {
		t.Fatalf("create collaboration 2: %v", err)
	}
	if _, err := e.CreateUser(ctx, "root", "secret", org1.ID, domain.RoleAdmin); err != nil {
		t.Fatalf("create admin: %v", err)
	}
	if _, err := e.CreateUser(ctx, "frank", "secret", org1.ID, domain.RoleMember); err != nil {
		t.Fatalf("create org1 member: %v", err)
	}
	if _, err := e.CreateUser(ctx, "mary", "secret", org2.ID, domain.RoleMember); err != nil {
		t.Fatalf("create org2 member: %v", err)
	}

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/api",
		Auth:     AuthConfig{JWTSecret: "test-secret", TokenTTL: time.Hour},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:     "http://" + ln.Addr().String(),
		client:  &http.Client{},
		Engine:  e,
		Org1:    org1,
		Org2:    org2,
		Collab:  collab,
		Collab2: collab2,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	testSrv.AdminToken = login(t, testSrv, "root", "secret")
	testSrv.Org1Token = login(t, testSrv, "frank", "secret")
	testSrv.Org2Token = login(t, testSrv, "mary", "secret")
	return testSrv, func() { testSrv.Close() }
}

func login(t *testing.T, srv *testServer, username, password string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/token/user", map[string]any{
		"username": username,
		"password": password,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login %s status %d: %s", username, res.StatusCode, string(data))
	}
	var tok TokenResponse
	if err := json.Unmarshal(data, &tok); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	return tok.AccessToken
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func apiKeyHeader(key string) map[string]string {
	return map[string]string{"X-Api-Key": key}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createNode(t *testing.T, srv *testServer, token string, collabID int64) NodeResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/nodes", map[string]any{
		"collaboration_id": collabID,
	}, bearer(token))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create node status %d: %s", res.StatusCode, string(data))
	}
	var node NodeResponse
	if err := json.Unmarshal(data, &node); err != nil {
		t.Fatalf("unmarshal node: %v", err)
	}
	return node
}

func TestNodeRegistrationScenario(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	node := createNode(t, srv, srv.Org1Token, srv.Collab.ID)
	if node.OrganizationID != srv.Org1.ID {
		t.Fatalf("node organization %d, want caller's %d", node.OrganizationID, srv.Org1.ID)
	}
	if node.CollaborationID != srv.Collab.ID {
		t.Fatalf("node collaboration %d, want %d", node.CollaborationID, srv.Collab.ID)
	}
	if node.APIKey == "" {
		t.Fatal("create response is the only place the api key appears; got none")
	}
	wantName := fmt.Sprintf("%s - %s Node", srv.Org1.Name, srv.Collab.Name)
	if node.Name != wantName {
		t.Fatalf("node name %q, want %q", node.Name, wantName)
	}

	// Cross-organization access is forbidden for plain members.
	res, data := doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/api/node/%d", srv.URL, node.ID), nil, bearer(srv.Org2Token))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-org get status %d: %s", res.StatusCode, string(data))
	}

	// Admins see everything.
	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/api/node/%d", srv.URL, node.ID), nil, bearer(srv.AdminToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin get status %d: %s", res.StatusCode, string(data))
	}
	var fetched NodeResponse
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal node: %v", err)
	}
	if fetched.APIKey != "" {
		t.Fatal("api key must not be echoed after creation")
	}
}

func TestListNodesScopedByOrganization(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	n1 := createNode(t, srv, srv.Org1Token, srv.Collab.ID)
	n2 := createNode(t, srv, srv.Org2Token, srv.Collab.ID)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/nodes", nil, bearer(srv.Org1Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var nodes []NodeResponse
	if err := json.Unmarshal(data, &nodes); err != nil {
		t.Fatalf("unmarshal nodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != n1.ID {
		t.Fatalf("member list = %+v, want only own org's node %d", nodes, n1.ID)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/nodes", nil, bearer(srv.AdminToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin list status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &nodes); err != nil {
		t.Fatalf("unmarshal nodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("admin list has %d nodes, want 2 (ids %d, %d)", len(nodes), n1.ID, n2.ID)
	}
}

func TestCreateNodeUnknownCollaboration(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/nodes", map[string]any{
		"collaboration_id": 9999,
	}, bearer(srv.Org1Token))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var body struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if body.Msg != "collaboration_id '9999' does not exist" {
		t.Fatalf("error msg %q", body.Msg)
	}
}

func TestUpsertUnknownIDCreatesWithStoreID(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	// PUT to an id the store never issued registers a fresh node; the path id
	// is ignored and the store assigns its own.
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/api/node/424242", map[string]any{
		"collaboration_id": srv.Collab.ID,
	}, bearer(srv.Org1Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upsert status %d: %s", res.StatusCode, string(data))
	}
	var node NodeResponse
	if err := json.Unmarshal(data, &node); err != nil {
		t.Fatalf("unmarshal node: %v", err)
	}
	if node.ID == 424242 {
		t.Fatal("store must assign its own id on upsert-create")
	}
	if node.APIKey == "" {
		t.Fatal("upsert-create must issue an api key")
	}
}

// Note: concurrent PUT and DELETE on the same node are not serialized
// beyond SQLite's own write locking; a PUT landing after a DELETE gets 404.
func TestUpdateNodeKeepsAPIKey(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	node := createNode(t, srv, srv.Org1Token, srv.Collab.ID)

	res, data := doJSON(t, client, http.MethodPut, fmt.Sprintf("%s/api/node/%d", srv.URL, node.ID), map[string]any{
		"collaboration_id": srv.Collab2.ID,
	}, bearer(srv.Org1Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, string(data))
	}
	var updated NodeResponse
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatalf("unmarshal node: %v", err)
	}
	if updated.ID != node.ID {
		t.Fatalf("update changed id %d -> %d", node.ID, updated.ID)
	}
	if updated.CollaborationID != srv.Collab2.ID {
		t.Fatalf("collaboration %d, want %d", updated.CollaborationID, srv.Collab2.ID)
	}

	// Reassignment does not rotate the credential: the original key still
	// authenticates the node.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/me", nil, apiKeyHeader(node.APIKey))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth after update status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal whoami: %v", err)
	}
	if who.Kind != PrincipalNode || who.NodeID != node.ID {
		t.Fatalf("whoami = %+v, want node %d", who, node.ID)
	}
}

func TestDeleteNode(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodDelete, srv.URL+"/api/node/9999", nil, bearer(srv.AdminToken))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("delete unknown status %d: %s", res.StatusCode, string(data))
	}

	node := createNode(t, srv, srv.Org1Token, srv.Collab.ID)
	res, data = doJSON(t, client, http.MethodDelete, fmt.Sprintf("%s/api/node/%d", srv.URL, node.ID), nil, bearer(srv.Org2Token))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-org delete status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodDelete, fmt.Sprintf("%s/api/node/%d", srv.URL, node.ID), nil, bearer(srv.Org1Token))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete own status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/api/node/%d", srv.URL, node.ID), nil, bearer(srv.AdminToken))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status %d", res.StatusCode)
	}
}

func TestNodePollsAndFinishesWork(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	n1 := createNode(t, srv, srv.Org1Token, srv.Collab.ID)
	n2 := createNode(t, srv, srv.Org2Token, srv.Collab.ID)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/tasks", map[string]any{
		"name":             "average",
		"collaboration_id": srv.Collab.ID,
		"image":            "harbor.example.org/algorithms/average:1.0",
		"input":            `{"column":"age"}`,
	}, bearer(srv.AdminToken))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if len(task.Results) != 2 {
		t.Fatalf("fan-out produced %d results, want one per collaboration node (2)", len(task.Results))
	}

	// Node 1 polls its open work with its api key.
	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/api/node/%d/task?state=open", srv.URL, n1.ID), nil, apiKeyHeader(n1.APIKey))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("poll status %d: %s", res.StatusCode, string(data))
	}
	var open []TaskResultResponse
	if err := json.Unmarshal(data, &open); err != nil {
		t.Fatalf("unmarshal results: %v", err)
	}
	if len(open) != 1 || open[0].NodeID != n1.ID {
		t.Fatalf("open results = %+v, want exactly node %d's assignment", open, n1.ID)
	}

	// Finishing closes the result; the open view shrinks, the full view keeps it.
	res, data = doJSON(t, client, http.MethodPatch, fmt.Sprintf("%s/api/result/%d", srv.URL, open[0].ID), map[string]any{
		"output": `{"mean":41.2}`,
	}, apiKeyHeader(n1.APIKey))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finish status %d: %s", res.StatusCode, string(data))
	}
	var finished TaskResultResponse
	if err := json.Unmarshal(data, &finished); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if finished.FinishedAt == nil {
		t.Fatal("finished result missing finished_at")
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/api/node/%d/task?state=open", srv.URL, n1.ID), nil, apiKeyHeader(n1.APIKey))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("re-poll status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &open); err != nil {
		t.Fatalf("unmarshal results: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("open results after finish = %+v, want none", open)
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/api/node/%d/task", srv.URL, n1.ID), nil, apiKeyHeader(n1.APIKey))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("full list status %d: %s", res.StatusCode, string(data))
	}
	var all []TaskResultResponse
	if err := json.Unmarshal(data, &all); err != nil {
		t.Fatalf("unmarshal results: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("full list has %d results, want 1", len(all))
	}

	// Node 2's assignment is untouched.
	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/api/node/%d/task?state=open", srv.URL, n2.ID), nil, apiKeyHeader(n2.APIKey))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("node2 poll status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &open); err != nil {
		t.Fatalf("unmarshal results: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("node2 open results = %+v, want 1", open)
	}
}

func TestFinishResultConflictsAndOwnership(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	n1 := createNode(t, srv, srv.Org1Token, srv.Collab.ID)
	n2 := createNode(t, srv, srv.Org2Token, srv.Collab.ID)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/tasks", map[string]any{
		"name":             "train",
		"collaboration_id": srv.Collab.ID,
		"image":            "harbor.example.org/algorithms/train:2.1",
	}, bearer(srv.AdminToken))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	var r1 TaskResultResponse
	for _, r := range task.Results {
		if r.NodeID == n1.ID {
			r1 = r
		}
	}

	// A node may only finish its own assignment.
	res, data = doJSON(t, client, http.MethodPatch, fmt.Sprintf("%s/api/result/%d", srv.URL, r1.ID), map[string]any{
		"output": "{}",
	}, apiKeyHeader(n2.APIKey))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign finish status %d: %s", res.StatusCode, string(data))
	}

	// Users never finish results.
	res, data = doJSON(t, client, http.MethodPatch, fmt.Sprintf("%s/api/result/%d", srv.URL, r1.ID), map[string]any{
		"output": "{}",
	}, bearer(srv.AdminToken))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("user finish status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, fmt.Sprintf("%s/api/result/%d", srv.URL, r1.ID), map[string]any{
		"output": "{}",
	}, apiKeyHeader(n1.APIKey))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finish status %d: %s", res.StatusCode, string(data))
	}

	// Second submission conflicts; first write wins.
	res, data = doJSON(t, client, http.MethodPatch, fmt.Sprintf("%s/api/result/%d", srv.URL, r1.ID), map[string]any{
		"output": "{\"late\":true}",
	}, apiKeyHeader(n1.APIKey))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("double finish status %d: %s", res.StatusCode, string(data))
	}
}

// The single-result lookup under /node/{uid}/task/{taskresult_id} does not
// check that the result belongs to the addressed node or to the caller. Any
// authenticated principal that knows a result id can read it.
func TestResultLookupHasNoOwnershipCheck(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	n1 := createNode(t, srv, srv.Org1Token, srv.Collab.ID)
	n2 := createNode(t, srv, srv.Org2Token, srv.Collab.ID)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/tasks", map[string]any{
		"name":             "count",
		"collaboration_id": srv.Collab.ID,
		"image":            "harbor.example.org/algorithms/count:1.0",
	}, bearer(srv.AdminToken))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	var r1 TaskResultResponse
	for _, r := range task.Results {
		if r.NodeID == n1.ID {
			r1 = r
		}
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/api/node/%d/task/%d", srv.URL, n2.ID, r1.ID), nil, apiKeyHeader(n2.APIKey))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("foreign result lookup status %d: %s", res.StatusCode, string(data))
	}
	var fetched TaskResultResponse
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if fetched.ID != r1.ID || fetched.NodeID != n1.ID {
		t.Fatalf("fetched %+v, want node %d's result %d", fetched, n1.ID, r1.ID)
	}
}

func TestUserOnlyEndpointsRejectNodeCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	node := createNode(t, srv, srv.Org1Token, srv.Collab.ID)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/nodes", nil, apiKeyHeader(node.APIKey))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("node on user endpoint status %d: %s", res.StatusCode, string(data))
	}
	var body struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if body.Msg != "a user session is required" {
		t.Fatalf("error msg %q", body.Msg)
	}
}

func TestTokenLogin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/token/user", map[string]any{
		"username": "root",
		"password": "wrong",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/nodes", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/me", nil, bearer(srv.AdminToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("whoami status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal whoami: %v", err)
	}
	if who.Kind != PrincipalUser || who.Role != domain.RoleAdmin {
		t.Fatalf("whoami = %+v, want admin user", who)
	}
}
