package httpapi

import (
	"net/http"

	"pbx-controlplane/internal/status"

	"github.com/gin-gonic/gin"
)

// --- Reads ---

func (h Handlers) GetOperator(c *gin.Context) {
	id := memberParam(c)
	if id == "" {
		writeError(c, errMissingID)
		return
	}
	op, ok, err := h.Status.GetOperator(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "operator not found"})
		return
	}
	c.JSON(http.StatusOK, op)
}

func (h Handlers) GetChannel(c *gin.Context) {
	ch, ok, err := h.Status.GetChannel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (h Handlers) GetQueue(c *gin.Context) {
	q, ok, err := h.Status.GetQueueStatus(c.Request.Context(), c.Param("queue"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "queue not found"})
		return
	}
	c.JSON(http.StatusOK, q)
}

func (h Handlers) GetQueueOperators(c *gin.Context) {
	ops, err := h.Status.GetQueueOperators(c.Request.Context(), c.Param("queue"))
	if err != nil {
		writeError(c, err)
		return
	}
	if ops == nil {
		ops = []*status.OperatorStatus{}
	}
	c.JSON(http.StatusOK, gin.H{"operators": ops})
}

func (h Handlers) ListChannels(c *gin.Context) {
	chs, err := h.Status.GetAllChannels(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if chs == nil {
		chs = []*status.ChannelStatus{}
	}
	c.JSON(http.StatusOK, gin.H{"channels": chs})
}

func (h Handlers) Snapshot(c *gin.Context) {
	snap, err := h.Status.GetFullSnapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// --- Admin writes ---
//
// These bypass the PBX and write the cache directly. They exist for tests
// and for resetting state after an incident.

func (h Handlers) PutOperator(c *gin.Context) {
	id := memberParam(c)
	if id == "" {
		writeError(c, errMissingID)
		return
	}
	var u status.OperatorUpdate
	if !bindJSON(c, &u) {
		return
	}
	u.MemberID = id

	op, err := h.Status.SetOperator(c.Request.Context(), u)
	h.auditAdmin(c, "set_operator", id, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

func (h Handlers) DeleteOperator(c *gin.Context) {
	id := memberParam(c)
	if id == "" {
		writeError(c, errMissingID)
		return
	}
	err := h.Status.DeleteOperator(c.Request.Context(), id)
	h.auditAdmin(c, "delete_operator", id, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h Handlers) PutChannel(c *gin.Context) {
	var u status.ChannelUpdate
	if !bindJSON(c, &u) {
		return
	}
	u.ChannelID = c.Param("id")

	ch, err := h.Status.SetChannel(c.Request.Context(), u)
	h.auditAdmin(c, "set_channel", u.ChannelID, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (h Handlers) PutQueue(c *gin.Context) {
	var u status.QueueUpdate
	if !bindJSON(c, &u) {
		return
	}
	u.QueueName = c.Param("queue")

	q, err := h.Status.SetQueue(c.Request.Context(), u)
	h.auditAdmin(c, "set_queue", u.QueueName, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (h Handlers) ClearAll(c *gin.Context) {
	err := h.Status.ClearAll(c.Request.Context())
	h.auditAdmin(c, "clear_all", "", err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
