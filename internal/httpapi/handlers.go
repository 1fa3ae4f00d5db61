package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"pbx-controlplane/internal/ami"
	"pbx-controlplane/internal/ari"
	"pbx-controlplane/internal/audit"
	"pbx-controlplane/internal/auth"
	"pbx-controlplane/internal/status"
	"pbx-controlplane/internal/telephony"
	"pbx-controlplane/pkg/logger"

	"github.com/gin-gonic/gin"
)

// StatusReader is the read/write surface over the status cache.
type StatusReader interface {
	GetOperator(ctx context.Context, memberID string) (*status.OperatorStatus, bool, error)
	GetChannel(ctx context.Context, channelID string) (*status.ChannelStatus, bool, error)
	GetQueueStatus(ctx context.Context, queue string) (*status.QueueStatus, bool, error)
	GetQueueOperators(ctx context.Context, queue string) ([]*status.OperatorStatus, error)
	GetAllChannels(ctx context.Context) ([]*status.ChannelStatus, error)
	GetFullSnapshot(ctx context.Context) (*status.Snapshot, error)

	SetOperator(ctx context.Context, u status.OperatorUpdate) (*status.OperatorStatus, error)
	SetChannel(ctx context.Context, u status.ChannelUpdate) (*status.ChannelStatus, error)
	SetQueue(ctx context.Context, u status.QueueUpdate) (*status.QueueStatus, error)
	DeleteOperator(ctx context.Context, memberID string) error
	ClearAll(ctx context.Context) error
}

// AMICommands is the subset of the AMI session the API drives.
type AMICommands interface {
	Originate(ctx context.Context, req ami.OriginateRequest) (ami.Response, error)
	Hangup(ctx context.Context, channel string, cause int) (ami.Response, error)
	Redirect(ctx context.Context, req ami.RedirectRequest) (ami.Response, error)
	QueueStatus(ctx context.Context, queue string) (ami.Response, error)
	PeerStatus(ctx context.Context, peer string) (ami.Response, error)
	QueuePause(ctx context.Context, queue, iface string, paused bool, reason string) (ami.Response, error)
	Status() telephony.Status
}

// ARICommands is the subset of the ARI session the API drives.
type ARICommands interface {
	GetChannels(ctx context.Context) ([]ari.Channel, error)
	GetBridges(ctx context.Context) ([]ari.Bridge, error)
	GetEndpoints(ctx context.Context) ([]ari.Endpoint, error)
	AnswerChannel(ctx context.Context, channelID string) error
	HangupChannel(ctx context.Context, channelID, reason string) error
	PlayMedia(ctx context.Context, channelID, media, lang string) (ari.Playback, error)
	CreateBridge(ctx context.Context, bridgeType, name string) (ari.Bridge, error)
	AddChannelToBridge(ctx context.Context, bridgeID string, channelIDs ...string) error
	Status() telephony.Status
}

// Auditor records PBX commands and direct cache writes.
type Auditor interface {
	LogCommand(ctx context.Context, actor audit.Actor, source, action, target, outcome, metadata string) error
	LogAdminWrite(ctx context.Context, actor audit.Actor, action, target, outcome, metadata string) error
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
// A nil AMI or ARI means that session is disabled.
type Handlers struct {
	Status StatusReader
	AMI    AMICommands
	ARI    ARICommands
	Audit  Auditor
}

// ClientIP attaches the resolved client address to the request context so
// audit records carry it.
func ClientIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(audit.WithClientIP(c.Request.Context(), c.ClientIP()))
		c.Next()
	}
}

// Sessions reports the connection state of every enabled PBX session.
func (h Handlers) Sessions(c *gin.Context) {
	out := make([]telephony.Status, 0, 2)
	if h.AMI != nil {
		out = append(out, h.AMI.Status())
	}
	if h.ARI != nil {
		out = append(out, h.ARI.Status())
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, errInvalidJSON)
		return false
	}
	return true
}

func memberParam(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("member_id"), "/")
}

func actor(ctx context.Context) audit.Actor {
	uid, _ := auth.UserID(ctx)
	role, _ := auth.Role(ctx)
	return audit.Actor{UserID: uid, Role: role}
}

// outcome returns the audit outcome and its JSON metadata.
func outcome(err error) (string, string) {
	if err == nil {
		return "ok", ""
	}
	meta, _ := json.Marshal(map[string]string{"error": err.Error()})
	return "error", string(meta)
}

// Audit logging is best-effort; a failed append never fails the request.
func (h Handlers) auditCommand(c *gin.Context, source telephony.Source, action, target string, err error) {
	if h.Audit == nil {
		return
	}
	ctx := c.Request.Context()
	result, meta := outcome(err)
	if aerr := h.Audit.LogCommand(ctx, actor(ctx), string(source), action, target, result, meta); aerr != nil {
		logger.FromGin(c).Warn("audit append failed", "action", action, "err", aerr)
	}
}

func (h Handlers) auditAdmin(c *gin.Context, action, target string, err error) {
	if h.Audit == nil {
		return
	}
	ctx := c.Request.Context()
	result, meta := outcome(err)
	if aerr := h.Audit.LogAdminWrite(ctx, actor(ctx), action, target, result, meta); aerr != nil {
		logger.FromGin(c).Warn("audit append failed", "action", action, "err", aerr)
	}
}
