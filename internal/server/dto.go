package server

import (
	"nodegrid/internal/domain"
)

// Request payloads

type NodeWriteRequest struct {
	CollaborationID *int64 `json:"collaboration_id" required:"true"`
}

type TokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CreateTaskRequest struct {
	Name            string `json:"name"`
	CollaborationID *int64 `json:"collaboration_id" required:"true"`
	Image           string `json:"image,omitempty"`
	Input           string `json:"input,omitempty"`
}

type CreateOrganizationRequest struct {
	Name string `json:"name"`
}

type CreateCollaborationRequest struct {
	Name            string  `json:"name"`
	OrganizationIDs []int64 `json:"organization_ids"`
}

type FinishResultRequest struct {
	Output string `json:"output"`
}

// Response payloads

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type NodeResponse struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	OrganizationID  int64  `json:"organization_id"`
	CollaborationID int64  `json:"collaboration_id"`
	APIKey          string `json:"api_key,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type TaskResultResponse struct {
	ID         int64   `json:"id"`
	TaskID     int64   `json:"task_id"`
	NodeID     int64   `json:"node_id"`
	Output     *string `json:"output,omitempty"`
	StartedAt  *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
}

type TaskResponse struct {
	ID              int64                `json:"id"`
	Name            string               `json:"name"`
	CollaborationID int64                `json:"collaboration_id"`
	Image           string               `json:"image,omitempty"`
	Input           string               `json:"input,omitempty"`
	CreatedAt       string               `json:"created_at" format:"date-time"`
	Results         []TaskResultResponse `json:"results,omitempty"`
}

type OrganizationResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type CollaborationResponse struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	OrganizationIDs []int64 `json:"organization_ids"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type WhoAmIResponse struct {
	Kind           string `json:"kind" enum:"user,node"`
	UserID         int64  `json:"user_id,omitempty"`
	NodeID         int64  `json:"node_id,omitempty"`
	OrganizationID int64  `json:"organization_id"`
	Role           string `json:"role,omitempty"`
}

// Conversion helpers

func nodeResponse(n domain.Node) NodeResponse {
	return NodeResponse(n)
}

func taskResultResponse(tr domain.TaskResult) TaskResultResponse {
	return TaskResultResponse(tr)
}

func taskResponse(t domain.Task, results []domain.TaskResult) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		Name:            t.Name,
		CollaborationID: t.CollaborationID,
		Image:           t.Image,
		Input:           t.Input,
		CreatedAt:       t.CreatedAt,
		Results:         mapTaskResults(results),
	}
}

func organizationResponse(o domain.Organization) OrganizationResponse {
	return OrganizationResponse(o)
}

func collaborationResponse(c domain.Collaboration) CollaborationResponse {
	return CollaborationResponse{
		ID:              c.ID,
		Name:            c.Name,
		OrganizationIDs: nonNilSlice(c.OrganizationIDs),
		CreatedAt:       c.CreatedAt,
	}
}

func mapNodes(items []domain.Node) []NodeResponse {
	res := make([]NodeResponse, 0, len(items))
	for _, n := range items {
		res = append(res, nodeResponse(n))
	}
	return res
}

func mapTaskResults(items []domain.TaskResult) []TaskResultResponse {
	res := make([]TaskResultResponse, 0, len(items))
	for _, tr := range items {
		res = append(res, taskResultResponse(tr))
	}
	return res
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t, nil))
	}
	return res
}

func mapOrganizations(items []domain.Organization) []OrganizationResponse {
	res := make([]OrganizationResponse, 0, len(items))
	for _, o := range items {
		res = append(res, organizationResponse(o))
	}
	return res
}

func mapCollaborations(items []domain.Collaboration) []CollaborationResponse {
	res := make([]CollaborationResponse, 0, len(items))
	for _, c := range items {
		res = append(res, collaborationResponse(c))
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
