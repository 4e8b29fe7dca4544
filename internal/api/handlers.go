package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ShayCichocki/coord/pkg/models"
)

func (s *Server) registerRoutes(v1 *gin.RouterGroup) {
	tasks := v1.Group("/tasks")
	{
		tasks.POST("", s.submitTask)
		tasks.GET("", s.listTasks)
		tasks.GET("/:id", s.getTask)
		tasks.GET("/:id/closure", s.taskClosure)
		tasks.GET("/:id/dependents", s.taskDependents)
		tasks.POST("/:id/transition", s.transitionTask)
		tasks.POST("/:id/artifacts", s.putArtifact)
		tasks.GET("/:id/artifacts", s.getArtifacts)
	}
	v1.POST("/manifests", s.submitManifest)
	v1.GET("/runnable", s.runnable)
	v1.GET("/stuck", s.stuck)
	v1.GET("/order", s.order)
	v1.POST("/claims", s.claim)

	agents := v1.Group("/agents")
	{
		agents.GET("", s.listAgents)
		agents.GET("/:id", s.getAgent)
		agents.DELETE("/:id", s.removeAgent)
		agents.POST("/:id/heartbeat", s.heartbeat)
		agents.GET("/:id/messages", s.receive)
	}

	locks := v1.Group("/locks")
	{
		locks.GET("", s.listLocks)
		locks.POST("/acquire", s.acquire)
		locks.POST("/release", s.release)
		locks.POST("/renew", s.renew)
	}

	v1.POST("/messages", s.send)
	v1.POST("/sweep", s.sweep)
	v1.GET("/snapshot", s.snapshot)
	v1.GET("/events", s.events)
}

// ---- tasks ----

func (s *Server) submitTask(c *gin.Context) {
	var task models.Task
	if err := c.ShouldBindJSON(&task); err != nil {
		badRequest(c, err)
		return
	}
	stored, err := s.coord.Submit(c.Request.Context(), task)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

// ManifestRequest is the body of POST /v1/manifests.
type ManifestRequest struct {
	Tasks []models.Task `json:"tasks" binding:"required"`
}

func (s *Server) submitManifest(c *gin.Context) {
	var req ManifestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	stored, err := s.coord.SubmitManifest(c.Request.Context(), req.Tasks)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tasks": stored})
}

func (s *Server) listTasks(c *gin.Context) {
	filter := models.TaskFilter{
		State: models.TaskState(c.Query("state")),
		Agent: c.Query("agent"),
	}
	tasks, err := s.coord.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": nonNil(tasks)})
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.coord.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) taskClosure(c *gin.Context) {
	ids, err := s.coord.Closure(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": c.Param("id"), "depends_on": nonNil(ids)})
}

func (s *Server) taskDependents(c *gin.Context) {
	ids, err := s.coord.Dependents(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": c.Param("id"), "dependents": nonNil(ids)})
}

// TransitionRequest is the body of POST /v1/tasks/:id/transition.
type TransitionRequest struct {
	To      models.TaskState `json:"to" binding:"required"`
	AgentID string           `json:"agent_id"`
	Payload *models.Payload  `json:"payload"`
}

func (s *Server) transitionTask(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	task, err := s.coord.Transition(c.Request.Context(), c.Param("id"), req.To, req.AgentID, req.Payload)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) runnable(c *gin.Context) {
	tasks, err := s.coord.Runnable(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": nonNil(tasks)})
}

func (s *Server) stuck(c *gin.Context) {
	stuck, err := s.coord.Stuck(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": nonNil(stuck)})
}

func (s *Server) order(c *gin.Context) {
	ids, err := s.coord.Order(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": nonNil(ids)})
}

// ClaimRequest is the body of POST /v1/claims. A missing capabilities field
// claims regardless of required capabilities.
type ClaimRequest struct {
	AgentID      string   `json:"agent_id" binding:"required"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) claim(c *gin.Context) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	task, err := s.coord.Claim(c.Request.Context(), req.AgentID, req.Capabilities)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ArtifactRequest is the body of POST /v1/tasks/:id/artifacts. Content is
// base64 in JSON.
type ArtifactRequest struct {
	Content     []byte `json:"content"`
	ContentType string `json:"content_type"`
}

func (s *Server) putArtifact(c *gin.Context) {
	var req ArtifactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id, err := s.coord.PutArtifact(c.Request.Context(), c.Param("id"), req.Content, req.ContentType)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) getArtifacts(c *gin.Context) {
	artifacts, err := s.coord.GetArtifacts(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": nonNil(artifacts)})
}

// ---- agents ----

// HeartbeatRequest is the optional body of POST /v1/agents/:id/heartbeat.
type HeartbeatRequest struct {
	Capabilities []string `json:"capabilities"`
}

func (s *Server) heartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			badRequest(c, err)
			return
		}
	}
	agent, err := s.coord.Heartbeat(c.Request.Context(), c.Param("id"), req.Capabilities)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) listAgents(c *gin.Context) {
	agents, err := s.coord.Agents(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": nonNil(agents)})
}

func (s *Server) getAgent(c *gin.Context) {
	agent, err := s.coord.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) removeAgent(c *gin.Context) {
	removed, err := s.coord.RemoveAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !removed {
		writeError(c, fmt.Errorf("%w: %s", models.ErrAgentNotFound, c.Param("id")))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) receive(c *gin.Context) {
	msgs, err := s.coord.Receive(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": nonNil(msgs)})
}

// ---- locks ----

// LockRequest is the body of the lock endpoints. TTLMillis is ignored by release.
type LockRequest struct {
	Key       string `json:"key" binding:"required"`
	AgentID   string `json:"agent_id" binding:"required"`
	TTLMillis int64  `json:"ttl_ms"`
}

func (r LockRequest) ttl() time.Duration {
	return time.Duration(r.TTLMillis) * time.Millisecond
}

func (s *Server) acquire(c *gin.Context) {
	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	lock, err := s.coord.Acquire(c.Request.Context(), req.Key, req.AgentID, req.ttl())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, lock)
}

func (s *Server) release(c *gin.Context) {
	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.coord.Release(c.Request.Context(), req.Key, req.AgentID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) renew(c *gin.Context) {
	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	lock, err := s.coord.Renew(c.Request.Context(), req.Key, req.AgentID, req.ttl())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, lock)
}

func (s *Server) listLocks(c *gin.Context) {
	locks, err := s.coord.Locks(c.Request.Context(), c.Query("holder"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locks": nonNil(locks)})
}

// ---- messages, recovery, observation ----

// SendRequest is the body of POST /v1/messages. Recipient "*" broadcasts.
type SendRequest struct {
	Sender    string         `json:"sender"`
	Recipient string         `json:"recipient" binding:"required"`
	Payload   models.Payload `json:"payload"`
}

func (s *Server) send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	msgs, err := s.coord.Send(c.Request.Context(), req.Sender, req.Recipient, req.Payload)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"messages": nonNil(msgs)})
}

func (s *Server) sweep(c *gin.Context) {
	report, err := s.coord.Sweep(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"requeued": nonNil(report.Requeued),
		"released": nonNil(report.Released),
	})
}

func (s *Server) snapshot(c *gin.Context) {
	snap, err := s.coord.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// events streams coordinator events as server-sent events until the client
// goes away, the server shuts down or the coordinator closes.
func (s *Server) events(c *gin.Context) {
	ch, cancel := s.coord.Events().Subscribe()
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-s.closing:
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		}
	})
}

// nonNil keeps empty lists as [] rather than null in responses.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
