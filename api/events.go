package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	model2 "github.com/JacobsCounsel/jcllc-backend-sub001/api/model"
	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

// accept hands the event to the engine. Queued events are applied by a
// worker, so the response only confirms receipt.
func (a Api) accept(c *gin.Context, event model.Event) {
	if err := a.engine.OnEvent(c.Request.Context(), event); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "event": event.Kind()})
}

func (a Api) BookingCreated(c *gin.Context) {
	var booking model2.Booking
	if err := c.ShouldBindJSON(&booking); err != nil {
		respondValidation(c, err)
		return
	}
	if err := booking.ValidateBooking(); err != nil {
		respondValidation(c, err)
		return
	}
	a.accept(c, booking.ToEvent())
}

func (a Api) BookingCanceled(c *gin.Context) {
	eventID, passed := c.Params.Get("event_id")
	if !passed || eventID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event_id is required. pass event_id in the route /:event_id"})
		return
	}

	var cancellation model2.BookingCancellation
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&cancellation); err != nil {
			respondValidation(c, err)
			return
		}
	}
	a.accept(c, cancellation.ToEvent(eventID))
}

func (a Api) TagChanged(c *gin.Context) {
	var tag model2.TagEvent
	if err := c.ShouldBindJSON(&tag); err != nil {
		respondValidation(c, err)
		return
	}
	if err := tag.ValidateTagEvent(); err != nil {
		respondValidation(c, err)
		return
	}
	a.accept(c, tag.ToEvent())
}

func (a Api) EmailReplied(c *gin.Context) {
	var reply model2.ReplyEvent
	if err := c.ShouldBindJSON(&reply); err != nil {
		respondValidation(c, err)
		return
	}
	if err := reply.ValidateReplyEvent(); err != nil {
		respondValidation(c, err)
		return
	}
	a.accept(c, reply.ToEvent())
}

func (a Api) ScoreReached(c *gin.Context) {
	var score model2.ScoreEvent
	if err := c.ShouldBindJSON(&score); err != nil {
		respondValidation(c, err)
		return
	}
	if err := score.ValidateScoreEvent(); err != nil {
		respondValidation(c, err)
		return
	}
	a.accept(c, score.ToEvent())
}

func (a Api) RecordEngagement(c *gin.Context) {
	var engagement model2.Engagement
	if err := c.ShouldBindJSON(&engagement); err != nil {
		respondValidation(c, err)
		return
	}
	if err := engagement.ValidateEngagement(); err != nil {
		respondValidation(c, err)
		return
	}

	changed, err := a.engine.RecordEngagement(c.Request.Context(), engagement.ProviderMessageID, model.EmailStatus(engagement.Status))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": changed})
}
