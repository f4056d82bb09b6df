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

	model2 "github.com/JacobsCounsel/jcllc-backend-sub001/api/model"
)

func (a Api) StartSequence(c *gin.Context) {
	var req model2.StartSequence
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err)
		return
	}
	if err := req.ValidateStartSequence(); err != nil {
		respondValidation(c, err)
		return
	}

	resp, err := a.engine.StartSequence(c.Request.Context(), req.Email, req.SequenceID)
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

func (a Api) GetAutomation(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	resp, err := a.engine.GetAutomation(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"automation": resp, "state": resp.State()})
}

// bindControl reads the optional reason of a control request.
func bindControl(c *gin.Context) (model2.ControlRequest, bool) {
	var req model2.ControlRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondValidation(c, err)
			return req, false
		}
	}
	if err := req.ValidateControlRequest(); err != nil {
		respondValidation(c, err)
		return req, false
	}
	return req, true
}

func (a Api) PauseAutomation(c *gin.Context) {
	req, ok := bindControl(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := a.engine.Pause(c.Request.Context(), id, req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"automation_id": id, "status": "paused"})
}

func (a Api) ResumeAutomation(c *gin.Context) {
	id := c.Param("id")
	next, err := a.engine.Resume(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"automation_id": id, "status": "active", "next_email_at": next})
}

func (a Api) ExitAutomation(c *gin.Context) {
	req, ok := bindControl(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := a.engine.Exit(c.Request.Context(), id, req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"automation_id": id, "status": "exited"})
}
