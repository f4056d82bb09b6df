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

package nurture

import (
	"context"

	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/templates"
)

// Renderer turns a template key and subscriber context into an HTML body.
// An unknown key must wrap templates.ErrUnknownTemplate.
type Renderer interface {
	Render(ctx context.Context, templateKey string, data templates.Context) (string, error)
}

// AlertFunc raises an operator alert for an automation-level failure.
type AlertFunc func(event string, cause error, payload map[string]interface{})
