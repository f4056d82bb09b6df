package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (a Api) GetSequences(c *gin.Context) {
	c.JSON(http.StatusOK, a.engine.Registry().All())
}

// GetQueueBacklog reports waiting tasks per queue. Without a queue every
// event is applied inline and there is nothing to report.
func (a Api) GetQueueBacklog(c *gin.Context) {
	q := a.engine.Queue()
	if q == nil {
		c.JSON(http.StatusOK, gin.H{"queued": false})
		return
	}
	backlog, err := q.Backlog()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queued": true, "backlog": backlog})
}
