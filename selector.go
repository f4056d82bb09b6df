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

import "github.com/JacobsCounsel/jcllc-backend-sub001/model"

// Pick returns the best-fit sequence for a new subscriber: the eligible
// sequence with the highest min_score. Sequences that only operators or
// re-routing start are never picked. ok is false when nothing fits.
func Pick(r *Registry, profile model.ClientProfile, score int) (string, bool) {
	for _, id := range r.ListEligible(profile, score) {
		seq, err := r.Get(id)
		if err != nil {
			continue
		}
		switch seq.TriggerKind {
		case model.SequenceOnManual, model.SequenceOnTagAdded:
			continue
		}
		return id, true
	}
	return "", false
}
