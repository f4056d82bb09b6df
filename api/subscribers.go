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
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	nurture "github.com/JacobsCounsel/jcllc-backend-sub001"
	model2 "github.com/JacobsCounsel/jcllc-backend-sub001/api/model"
)

// EnrollSubscriber handles a form submission. A subscriber that no sequence
// accepts is still stored and reported with enrolled=false.
func (a Api) EnrollSubscriber(c *gin.Context) {
	var newSubscriber model2.EnrollSubscriber
	if err := c.ShouldBindJSON(&newSubscriber); err != nil {
		respondValidation(c, err)
		return
	}
	if err := newSubscriber.ValidateEnrollSubscriber(); err != nil {
		respondValidation(c, err)
		return
	}

	resp, err := a.engine.Enroll(c.Request.Context(), newSubscriber.ToEnrollRequest())
	if errors.Is(err, nurture.ErrNoEligibleSequence) {
		c.JSON(http.StatusOK, gin.H{"subscriber_id": resp.SubscriberID, "enrolled": false, "reason": err.Error()})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if resp.AlreadyRunning {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

func (a Api) Unsubscribe(c *gin.Context) {
	var req model2.SubscriberEmail
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err)
		return
	}
	if err := req.ValidateSubscriberEmail(); err != nil {
		respondValidation(c, err)
		return
	}

	if err := a.engine.Unsubscribe(c.Request.Context(), req.Email); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unsubscribed"})
}

func (a Api) GetJourney(c *gin.Context) {
	email, passed := c.Params.Get("email")
	if !passed || email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required. pass email in the route /:email"})
		return
	}

	resp, err := a.engine.GetJourney(c.Request.Context(), email)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
