package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"pbx-controlplane/internal/ami"
	"pbx-controlplane/internal/ari"
	"pbx-controlplane/internal/telephony"

	"github.com/gin-gonic/gin"
)

func (h Handlers) amiReady(c *gin.Context) bool {
	if h.AMI == nil {
		writeError(c, fmt.Errorf("ami: %w", errDisabled))
		return false
	}
	return true
}

func (h Handlers) ariReady(c *gin.Context) bool {
	if h.ARI == nil {
		writeError(c, fmt.Errorf("ari: %w", errDisabled))
		return false
	}
	return true
}

// --- AMI ---

type originateRequest struct {
	Channel     string            `json:"channel"`
	Exten       string            `json:"exten"`
	Context     string            `json:"context"`
	Priority    int               `json:"priority"`
	Application string            `json:"application"`
	Data        string            `json:"data"`
	CallerID    string            `json:"caller_id"`
	TimeoutMS   int64             `json:"timeout_ms"`
	Async       bool              `json:"async"`
	Variables   map[string]string `json:"variables"`
}

func (h Handlers) Originate(c *gin.Context) {
	if !h.amiReady(c) {
		return
	}
	var req originateRequest
	if !bindJSON(c, &req) {
		return
	}
	resp, err := h.AMI.Originate(c.Request.Context(), ami.OriginateRequest{
		Channel:     req.Channel,
		Exten:       req.Exten,
		Context:     req.Context,
		Priority:    req.Priority,
		Application: req.Application,
		Data:        req.Data,
		CallerID:    req.CallerID,
		Timeout:     time.Duration(req.TimeoutMS) * time.Millisecond,
		Async:       req.Async,
		Variables:   req.Variables,
	})
	h.auditCommand(c, telephony.SourceAMI, "originate", req.Channel, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type hangupRequest struct {
	Channel string `json:"channel"`
	Cause   int    `json:"cause"`
}

func (h Handlers) Hangup(c *gin.Context) {
	if !h.amiReady(c) {
		return
	}
	var req hangupRequest
	if !bindJSON(c, &req) {
		return
	}
	resp, err := h.AMI.Hangup(c.Request.Context(), req.Channel, req.Cause)
	h.auditCommand(c, telephony.SourceAMI, "hangup", req.Channel, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type redirectRequest struct {
	Channel  string `json:"channel"`
	Exten    string `json:"exten"`
	Context  string `json:"context"`
	Priority int    `json:"priority"`
}

func (h Handlers) Redirect(c *gin.Context) {
	if !h.amiReady(c) {
		return
	}
	var req redirectRequest
	if !bindJSON(c, &req) {
		return
	}
	resp, err := h.AMI.Redirect(c.Request.Context(), ami.RedirectRequest{
		Channel:  req.Channel,
		Exten:    req.Exten,
		Context:  req.Context,
		Priority: req.Priority,
	})
	h.auditCommand(c, telephony.SourceAMI, "redirect", req.Channel, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h Handlers) QueueStatus(c *gin.Context) {
	if !h.amiReady(c) {
		return
	}
	resp, err := h.AMI.QueueStatus(c.Request.Context(), c.Query("queue"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h Handlers) PeerStatus(c *gin.Context) {
	if !h.amiReady(c) {
		return
	}
	resp, err := h.AMI.PeerStatus(c.Request.Context(), c.Query("peer"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type queuePauseRequest struct {
	Interface string `json:"interface"`
	Paused    *bool  `json:"paused"`
	Reason    string `json:"reason"`
}

// QueuePause pauses a member by default; send "paused": false to resume.
func (h Handlers) QueuePause(c *gin.Context) {
	if !h.amiReady(c) {
		return
	}
	var req queuePauseRequest
	if !bindJSON(c, &req) {
		return
	}
	paused := req.Paused == nil || *req.Paused
	resp, err := h.AMI.QueuePause(c.Request.Context(), c.Param("queue"), req.Interface, paused, req.Reason)
	h.auditCommand(c, telephony.SourceAMI, "queue_pause", req.Interface, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// --- ARI ---

func (h Handlers) ARIChannels(c *gin.Context) {
	if !h.ariReady(c) {
		return
	}
	chs, err := h.ARI.GetChannels(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if chs == nil {
		chs = []ari.Channel{}
	}
	c.JSON(http.StatusOK, gin.H{"channels": chs})
}

func (h Handlers) ARIBridges(c *gin.Context) {
	if !h.ariReady(c) {
		return
	}
	brs, err := h.ARI.GetBridges(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if brs == nil {
		brs = []ari.Bridge{}
	}
	c.JSON(http.StatusOK, gin.H{"bridges": brs})
}

func (h Handlers) ARIEndpoints(c *gin.Context) {
	if !h.ariReady(c) {
		return
	}
	eps, err := h.ARI.GetEndpoints(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if eps == nil {
		eps = []ari.Endpoint{}
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": eps})
}

func (h Handlers) AnswerChannel(c *gin.Context) {
	if !h.ariReady(c) {
		return
	}
	id := c.Param("id")
	err := h.ARI.AnswerChannel(c.Request.Context(), id)
	h.auditCommand(c, telephony.SourceARI, "answer", id, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HangupChannel takes an optional ?reason= (normal, busy, congestion, ...).
func (h Handlers) HangupChannel(c *gin.Context) {
	if !h.ariReady(c) {
		return
	}
	id := c.Param("id")
	err := h.ARI.HangupChannel(c.Request.Context(), id, c.Query("reason"))
	h.auditCommand(c, telephony.SourceARI, "hangup", id, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type playRequest struct {
	Media string `json:"media"`
	Lang  string `json:"lang"`
}

func (h Handlers) PlayMedia(c *gin.Context) {
	if !h.ariReady(c) {
		return
	}
	var req playRequest
	if !bindJSON(c, &req) {
		return
	}
	id := c.Param("id")
	pb, err := h.ARI.PlayMedia(c.Request.Context(), id, req.Media, req.Lang)
	h.auditCommand(c, telephony.SourceARI, "play", id, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pb)
}

type bridgeRequest struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// CreateBridge accepts an empty body; the PBX then picks a mixing bridge.
func (h Handlers) CreateBridge(c *gin.Context) {
	if !h.ariReady(c) {
		return
	}
	var req bridgeRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	br, err := h.ARI.CreateBridge(c.Request.Context(), req.Type, req.Name)
	target := br.ID
	if target == "" {
		target = req.Name
	}
	h.auditCommand(c, telephony.SourceARI, "create_bridge", target, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, br)
}

type addChannelsRequest struct {
	ChannelIDs []string `json:"channel_ids"`
}

func (h Handlers) AddChannelsToBridge(c *gin.Context) {
	if !h.ariReady(c) {
		return
	}
	var req addChannelsRequest
	if !bindJSON(c, &req) {
		return
	}
	id := c.Param("id")
	err := h.ARI.AddChannelToBridge(c.Request.Context(), id, req.ChannelIDs...)
	h.auditCommand(c, telephony.SourceARI, "add_channels", id, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
