package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"nodegrid/internal/domain"
	"nodegrid/internal/engine"
	"nodegrid/internal/engine/auth"
	"nodegrid/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

// apiError is the error envelope: every failure body is {"msg": "..."}.
type apiError struct {
	status int
	Msg    string `json:"msg"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Msg }

func newAPIError(status int, msg string) huma.StatusError {
	return &apiError{status: status, Msg: msg}
}

// New returns an HTTP handler exposing the nodegrid API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the flat {"msg": ...} envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, msg)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors map to 400 bad request.
			status = http.StatusBadRequest
		}
		return newAPIError(status, msg)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("nodegrid API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerToken(group, cfg.Engine, cfg.Auth)
	registerMe(group)
	registerNodes(group, cfg.Engine)
	registerNode(group, cfg.Engine)
	registerNodeTasks(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerResults(group, cfg.Engine)
	registerOrganizations(group, cfg.Engine)
	registerCollaborations(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// handleError resolves domain errors to the HTTP boundary; nothing is
// retried internally.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, err.Error())
	}
	var ve auth.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, err.Error())
	}
	if errors.Is(err, engine.ErrResultFinished) {
		return newAPIError(http.StatusConflict, err.Error())
	}
	if errors.Is(err, engine.ErrInvalidCredentials) {
		return newAPIError(http.StatusUnauthorized, err.Error())
	}
	return newAPIError(http.StatusInternalServerError, "internal error")
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerToken(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "user-token",
		Method:      http.MethodPost,
		Path:        "/token/user",
		Summary:     "Exchange username/password for a bearer token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body TokenRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		if input.Body.Username == "" || input.Body.Password == "" {
			return nil, newAPIError(http.StatusBadRequest, "username and password are required")
		}
		user, err := e.Authenticate(ctx, input.Body.Username, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		now := time.Now()
		if e.Now != nil {
			now = e.Now()
		}
		token, err := signUserToken(authCfg.JWTSecret, user, authCfg.TokenTTL, now)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "could not sign token")
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{AccessToken: token, TokenType: "bearer"}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			Kind:           p.Kind,
			UserID:         p.UserID,
			NodeID:         p.NodeID,
			OrganizationID: p.OrganizationID,
			Role:           p.Role,
		}}, nil
	})
}

func registerNodes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-nodes",
		Method:      http.MethodGet,
		Path:        "/nodes",
		Summary:     "List nodes visible to the caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []NodeResponse `json:"body"`
	}, error) {
		p, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		nodes, err := e.ListNodes(ctx, p.OrganizationID, p.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []NodeResponse `json:"body"`
		}{Body: mapNodes(nodes)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-node",
		Method:        http.MethodPost,
		Path:          "/nodes",
		Summary:       "Register a node",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body NodeWriteRequest `json:"body"`
	}) (*struct {
		Body NodeResponse `json:"body"`
	}, error) {
		p, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.CollaborationID == nil {
			return nil, newAPIError(http.StatusBadRequest, "collaboration_id is required")
		}
		node, err := e.CreateNode(ctx, *input.Body.CollaborationID, p.OrganizationID, actorLabel(p))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NodeResponse `json:"body"`
		}{Body: nodeResponse(node)}, nil
	})
}

func registerNode(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-node",
		Method:      http.MethodGet,
		Path:        "/node/{uid}",
		Summary:     "Single node info",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UID int64 `path:"uid"`
	}) (*struct {
		Body NodeResponse `json:"body"`
	}, error) {
		p, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		node, err := e.GetNode(ctx, input.UID, p.OrganizationID, p.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NodeResponse `json:"body"`
		}{Body: nodeResponse(node)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-node",
		Method:      http.MethodPut,
		Path:        "/node/{uid}",
		Summary:     "Update a node, or register one when the id is unknown",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UID  int64            `path:"uid"`
		Body NodeWriteRequest `json:"body"`
	}) (*struct {
		Body NodeResponse `json:"body"`
	}, error) {
		p, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.CollaborationID == nil {
			return nil, newAPIError(http.StatusBadRequest, "collaboration_id is required")
		}
		node, _, err := e.UpsertNode(ctx, input.UID, *input.Body.CollaborationID, p.OrganizationID, p.Role, actorLabel(p))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NodeResponse `json:"body"`
		}{Body: nodeResponse(node)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-node",
		Method:        http.MethodDelete,
		Path:          "/node/{uid}",
		Summary:       "Delete a node",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UID int64 `path:"uid"`
	}) (*struct{}, error) {
		p, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteNode(ctx, input.UID, p.OrganizationID, p.Role, actorLabel(p)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerNodeTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-node-results",
		Method:      http.MethodGet,
		Path:        "/node/{uid}/task",
		Summary:     "Task results assigned to a node",
		Description: "With state=open, only results still awaiting output are returned. This is the polling primitive node agents use to discover work.",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UID   int64  `path:"uid"`
		State string `query:"state"`
	}) (*struct {
		Body []TaskResultResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		results, err := e.NodeResults(ctx, input.UID, input.State == "open")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResultResponse `json:"body"`
		}{Body: mapTaskResults(results)}, nil
	})

	// The single-result form does not verify that the result belongs to the
	// addressed node, nor that the caller owns it; see DESIGN.md.
	huma.Register(api, huma.Operation{
		OperationID: "get-node-result",
		Method:      http.MethodGet,
		Path:        "/node/{uid}/task/{taskresult_id}",
		Summary:     "Single task result",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UID          int64 `path:"uid"`
		TaskResultID int64 `path:"taskresult_id"`
	}) (*struct {
		Body TaskResultResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		result, err := e.GetTaskResult(ctx, input.TaskResultID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResultResponse `json:"body"`
		}{Body: taskResultResponse(result)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create a task and fan it out to the collaboration's nodes",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		p, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.CollaborationID == nil {
			return nil, newAPIError(http.StatusBadRequest, "collaboration_id is required")
		}
		task, results, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			Name:            input.Body.Name,
			CollaborationID: *input.Body.CollaborationID,
			Image:           input.Body.Image,
			Input:           input.Body.Input,
			ActorID:         actorLabel(p),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task, results)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		CollaborationID int64 `query:"collaboration_id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		if _, authErr := userFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		tasks, err := e.ListTasks(ctx, input.CollaborationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/task/{id}",
		Summary:     "Single task",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if _, authErr := userFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		task, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task, nil)}, nil
	})
}

func registerResults(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-result",
		Method:      http.MethodGet,
		Path:        "/result/{id}",
		Summary:     "Single task result by id",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body TaskResultResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		result, err := e.GetTaskResult(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResultResponse `json:"body"`
		}{Body: taskResultResponse(result)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finish-result",
		Method:      http.MethodPatch,
		Path:        "/result/{id}",
		Summary:     "Submit output for an open task result",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64               `path:"id"`
		Body FinishResultRequest `json:"body"`
	}) (*struct {
		Body TaskResultResponse `json:"body"`
	}, error) {
		p, authErr := nodeFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		result, err := e.FinishResult(ctx, input.ID, p.NodeID, input.Body.Output)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResultResponse `json:"body"`
		}{Body: taskResultResponse(result)}, nil
	})
}

func registerOrganizations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-organizations",
		Method:      http.MethodGet,
		Path:        "/organizations",
		Summary:     "List organizations visible to the caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []OrganizationResponse `json:"body"`
	}, error) {
		p, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if p.Role == domain.RoleAdmin {
			orgs, err := e.Repo.ListOrganizations(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body []OrganizationResponse `json:"body"`
			}{Body: mapOrganizations(orgs)}, nil
		}
		org, err := e.Repo.GetOrganization(ctx, p.OrganizationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []OrganizationResponse `json:"body"`
		}{Body: []OrganizationResponse{organizationResponse(org)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-organization",
		Method:      http.MethodGet,
		Path:        "/organization/{id}",
		Summary:     "Single organization",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body OrganizationResponse `json:"body"`
	}, error) {
		p, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		org, err := e.Repo.GetOrganization(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.Role != domain.RoleAdmin && org.ID != p.OrganizationID {
			return nil, newAPIError(http.StatusForbidden, "you are not allowed to see this organization")
		}
		return &struct {
			Body OrganizationResponse `json:"body"`
		}{Body: organizationResponse(org)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-organization",
		Method:        http.MethodPost,
		Path:          "/organizations",
		Summary:       "Register an organization (admin only)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateOrganizationRequest `json:"body"`
	}) (*struct {
		Body OrganizationResponse `json:"body"`
	}, error) {
		p, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if p.Role != domain.RoleAdmin {
			return nil, newAPIError(http.StatusForbidden, "only admins can create organizations")
		}
		org, err := e.CreateOrganization(ctx, input.Body.Name, actorLabel(p))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrganizationResponse `json:"body"`
		}{Body: organizationResponse(org)}, nil
	})
}

func registerCollaborations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-collaborations",
		Method:      http.MethodGet,
		Path:        "/collaborations",
		Summary:     "List collaborations",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CollaborationResponse `json:"body"`
	}, error) {
		if _, authErr := userFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		collabs, err := e.Repo.ListCollaborations(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CollaborationResponse `json:"body"`
		}{Body: mapCollaborations(collabs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-collaboration",
		Method:      http.MethodGet,
		Path:        "/collaboration/{id}",
		Summary:     "Single collaboration",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body CollaborationResponse `json:"body"`
	}, error) {
		if _, authErr := userFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		collab, err := e.Repo.GetCollaboration(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CollaborationResponse `json:"body"`
		}{Body: collaborationResponse(collab)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-collaboration",
		Method:        http.MethodPost,
		Path:          "/collaborations",
		Summary:       "Register a collaboration (admin only)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateCollaborationRequest `json:"body"`
	}) (*struct {
		Body CollaborationResponse `json:"body"`
	}, error) {
		p, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if p.Role != domain.RoleAdmin {
			return nil, newAPIError(http.StatusForbidden, "only admins can create collaborations")
		}
		collab, err := e.CreateCollaboration(ctx, input.Body.Name, input.Body.OrganizationIDs, actorLabel(p))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CollaborationResponse `json:"body"`
		}{Body: collaborationResponse(collab)}, nil
	})
}

func actorLabel(p Principal) string {
	if p.Kind == PrincipalNode {
		return fmt.Sprintf("node:%d", p.NodeID)
	}
	return fmt.Sprintf("user:%d", p.UserID)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>nodegrid API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; (users) or X-Api-Key (nodes).
    </p>
  </body>
</html>`, specURL)
}
