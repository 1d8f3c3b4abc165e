package coordinator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ethosengine/elohim/internal/authz"
	"github.com/ethosengine/elohim/internal/core"
	"github.com/ethosengine/elohim/internal/priority"
)

const (
	identityHeader  = "X-Recovery-Identity"
	signatureHeader = "X-Recovery-Signature"
	maxUploadBytes = 256 << 20
	maxWait        = 2 * time.Minute
)

// Router builds the HTTP API.
func (n *Node) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLog())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization", identityHeader, signatureHeader},
		ExposeHeaders:   []string{"Content-Length"},
		MaxAge:          12 * time.Hour,
	}))

	router.GET("/status", n.handleStatus)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rec := router.Group("/recovery")
	rec.POST("/requests", n.handleSubmit)
	rec.GET("/requests/:id", n.handleGetRequest)
	rec.POST("/requests/:id/grants", n.handleGrant)
	rec.POST("/requests/:id/cancel", n.handleCancel)
	rec.POST("/challenges/:id/response", n.handleChallengeResponse)
	rec.GET("/sessions/:id", n.handleSession)

	router.GET("/content/:cid", n.handleGetContent)
	router.POST("/content", n.handleUploadContent)
	router.GET("/custody/:cid", n.handleCustody)
	router.GET("/health/report", n.handleHealthReport)
	router.POST("/health/audit", n.handleAudit)
	return router
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugw("http request", "method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "took", time.Since(start))
	}
}

// writeError renders the structured error body. Client errors carry their
// detail; server-side failures only name their class so custodian and
// fragment internals stay in the log.
func writeError(c *gin.Context, err error) {
	code := core.Code(err)
	status := httpStatus(code)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		log.Errorw("request failed", "path", c.FullPath(), "code", code, "err", err)
		msg = "internal error"
		if base := core.FromCode(code); base != nil {
			msg = base.Error()
		}
	}
	c.AbortWithStatusJSON(status, gin.H{
		"status": status,
		"error":  gin.H{"code": code, "message": msg},
	})
}

func httpStatus(code string) int {
	switch code {
	case "NotFound":
		return http.StatusNotFound
	case "InvalidRequest", "LayoutMismatch", "CodecError":
		return http.StatusBadRequest
	case "NotAuthorized", "ChallengeFailed":
		return http.StatusForbidden
	case "RequestClosed", "DuplicateRequest", "InvalidTransition", "DuplicateAssignment":
		return http.StatusConflict
	case "AuthorizationTimeout":
		return http.StatusGone
	case "InsufficientFragments", "HashMismatch":
		return http.StatusUnprocessableEntity
	case "CustodianUnreachable":
		return http.StatusServiceUnavailable
	case "StorageFull":
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{core.ErrInvalidRequest}, args...)...)
}

func (n *Node) handleStatus(c *gin.Context) {
	status := gin.H{
		"alive":       n.IsAlive(),
		"uptime":      n.Uptime().String(),
		"custodians":  len(n.deps.source.Custodians()),
		"replication": n.replicator.GetStats(),
	}
	if n.deps.network != nil {
		status["peer_id"] = n.deps.network.ID().String()
		status["peers"] = n.deps.network.PeerCount()
		var addrs []string
		for _, a := range n.deps.network.Addrs() {
			addrs = append(addrs, a.String())
		}
		status["addrs"] = addrs
	}
	c.JSON(http.StatusOK, status)
}

type submitBody struct {
	Identity  string              `json:"identity"`
	DeviceKey []byte              `json:"device_key"`
	Method    core.RecoveryMethod `json:"method"`
	Scope     core.RecoveryScope  `json:"scope"`
	Channels  []string            `json:"channels"`
	ExpiresIn string              `json:"expires_in"`
}

func (n *Node) handleSubmit(c *gin.Context) {
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, badRequest("malformed body: %v", err))
		return
	}
	sub := authz.Submission{
		Identity:  body.Identity,
		DeviceKey: body.DeviceKey,
		Method:    body.Method,
		Scope:     body.Scope,
		Channels:  body.Channels,
	}
	sub.Method.Gateway = strings.ToLower(sub.Method.Gateway)
	if body.ExpiresIn != "" {
		d, err := time.ParseDuration(body.ExpiresIn)
		if err != nil {
			writeError(c, badRequest("expires_in: %v", err))
			return
		}
		sub.ExpiresIn = d
	}
	req, err := n.engine.Submit(c.Request.Context(), sub)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (n *Node) handleGetRequest(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	req, err := n.engine.Get(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	challenges, err := n.engine.Challenges(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	auths, err := n.engine.Authorizations(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	// Requesters see neither capability tokens nor the ids of challenges
	// their relationships answer.
	for i := range challenges {
		challenges[i] = challenges[i].RequesterView()
	}
	for i := range auths {
		auths[i] = auths[i].Redacted()
	}
	out := gin.H{"request": req, "challenges": challenges, "authorizations": auths}
	if s, ok := n.coord.SessionForRequest(id); ok {
		out["session"] = s.Progress()
	}
	c.JSON(http.StatusOK, out)
}

func (n *Node) handleGrant(c *gin.Context) {
	var body struct {
		Grantor   string `json:"grantor"`
		Signature string `json:"signature"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, badRequest("malformed body: %v", err))
		return
	}
	sig, err := hex.DecodeString(body.Signature)
	if err != nil {
		writeError(c, badRequest("signature: %v", err))
		return
	}
	req, err := n.engine.Grant(c.Request.Context(), c.Param("id"), body.Grantor, sig)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (n *Node) handleCancel(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, badRequest("malformed body: %v", err))
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "canceled by requester"
	}
	req, err := n.engine.Cancel(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (n *Node) handleChallengeResponse(c *gin.Context) {
	var body struct {
		Response string `json:"response"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, badRequest("malformed body: %v", err))
		return
	}
	out, err := n.engine.RespondToChallenge(c.Request.Context(), c.Param("id"), []byte(body.Response))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenge": out.Challenge, "request": out.Request})
}

func (n *Node) handleSession(c *gin.Context) {
	p, err := n.coord.Status(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// handleGetContent serves a live read signed by the recovering device. With
// ?wait=<duration> it holds the request open for a pending reconstruction
// before answering 202.
func (n *Node) handleGetContent(c *gin.Context) {
	identity := c.GetHeader(identityHeader)
	if identity == "" {
		writeError(c, badRequest("%s header is required", identityHeader))
		return
	}
	proof, err := hex.DecodeString(c.GetHeader(signatureHeader))
	if err != nil {
		writeError(c, badRequest("%s: %v", signatureHeader, err))
		return
	}
	var wait time.Duration
	if w := c.Query("wait"); w != "" {
		d, err := time.ParseDuration(w)
		if err != nil || d < 0 {
			writeError(c, badRequest("wait: bad duration %q", w))
			return
		}
		wait = min(d, maxWait)
	}

	cid := c.Param("cid")
	res, err := n.resolver.RequestContent(c.Request.Context(), identity, cid, proof)
	if err != nil {
		writeError(c, err)
		return
	}
	if res.State == priority.StateAvailable {
		c.Data(http.StatusOK, "application/octet-stream", res.Content)
		return
	}
	if wait > 0 {
		wctx, cancel := context.WithTimeout(c.Request.Context(), wait)
		blob, err := res.Pending.Wait(wctx)
		cancel()
		switch {
		case err == nil:
			c.Data(http.StatusOK, "application/octet-stream", blob)
			return
		case !errors.Is(err, context.DeadlineExceeded):
			writeError(c, err)
			return
		}
	}
	out := gin.H{"state": res.State, "content_id": cid}
	if res.Pending.SessionID != "" {
		out["session_id"] = res.Pending.SessionID
	}
	if it, ok := res.Pending.Item(); ok {
		out["item"] = it
	}
	c.JSON(http.StatusAccepted, out)
}

func (n *Node) handleUploadContent(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	file, _, err := c.Request.FormFile("file")
	if err != nil {
		writeError(c, badRequest("file upload error: %v", err))
		return
	}
	defer file.Close()
	blob, err := io.ReadAll(file)
	if err != nil {
		writeError(c, badRequest("file read error: %v", err))
		return
	}
	owner := c.PostForm("owner")
	if owner == "" {
		writeError(c, badRequest("owner is required"))
		return
	}
	visibility := core.Visibility(c.DefaultPostForm("visibility", string(core.VisibilityPrivate)))
	switch visibility {
	case core.VisibilityPrivate, core.VisibilityTrusted, core.VisibilityPublic:
	default:
		writeError(c, badRequest("unknown visibility %q", visibility))
		return
	}

	res, err := n.distributor.Distribute(c.Request.Context(), Authored{Owner: owner, Visibility: visibility, Blob: blob})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (n *Node) handleCustody(c *gin.Context) {
	cid := c.Param("cid")
	as, err := n.ledger.ListByContent(c.Request.Context(), cid)
	if err != nil {
		writeError(c, err)
		return
	}
	if len(as) == 0 {
		writeError(c, fmt.Errorf("%w: content %s", core.ErrNotFound, cid))
		return
	}
	c.JSON(http.StatusOK, gin.H{"content_id": cid, "assignments": as})
}

func (n *Node) handleHealthReport(c *gin.Context) {
	if report, ok := n.auditor.LastReport(); ok && c.Query("fresh") == "" {
		c.JSON(http.StatusOK, report)
		return
	}
	report, err := n.auditor.Report(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (n *Node) handleAudit(c *gin.Context) {
	report, err := n.auditor.AuditAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
