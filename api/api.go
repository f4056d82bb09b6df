/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	nurture "github.com/JacobsCounsel/jcllc-backend-sub001"
	"github.com/JacobsCounsel/jcllc-backend-sub001/api/middleware"
	"github.com/JacobsCounsel/jcllc-backend-sub001/config"
)

type Api struct {
	engine *nurture.Engine
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/subscribers", a.EnrollSubscriber)
	router.POST("/subscribers/unsubscribe", a.Unsubscribe)
	router.GET("/journeys/:email", a.GetJourney)

	router.POST("/events/bookings", a.BookingCreated)
	router.POST("/events/bookings/:event_id/cancel", a.BookingCanceled)
	router.POST("/events/tags", a.TagChanged)
	router.POST("/events/replies", a.EmailReplied)
	router.POST("/events/scores", a.ScoreReached)
	router.POST("/events/engagement", a.RecordEngagement)

	router.POST("/automations", a.StartSequence)
	router.GET("/automations/:id", a.GetAutomation)
	router.POST("/automations/:id/pause", a.PauseAutomation)
	router.POST("/automations/:id/resume", a.ResumeAutomation)
	router.POST("/automations/:id/exit", a.ExitAutomation)

	router.GET("/sequences", a.GetSequences)
	router.GET("/queues", a.GetQueueBacklog)
	return a.router
}

func NewAPI(e *nurture.Engine) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger())
	r.Use(otelgin.Middleware("nurture-api"))
	r.Use(middleware.RateLimitMiddleware(conf.RateLimit))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware(conf.Server.SecretKey))
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{engine: e, router: r}
}
