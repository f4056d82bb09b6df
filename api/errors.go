package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	nurture "github.com/JacobsCounsel/jcllc-backend-sub001"
	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/apierror"
)

// respondError writes err with the status of its APIError code. Engine
// sentinels that are not APIErrors get their own statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, nurture.ErrSubscriberUnsubscribed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, nurture.ErrNoEligibleSequence):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		var apiErr apierror.APIError
		if errors.As(err, &apiErr) {
			c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": apiErr.Message, "code": apiErr.Code})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func respondValidation(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
}
