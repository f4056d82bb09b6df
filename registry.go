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
	"errors"
	"fmt"
	"sort"

	"github.com/JacobsCounsel/jcllc-backend-sub001/database"
	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

// ErrUnknownSequence is a configuration error: no definition has the id.
var ErrUnknownSequence = errors.New("unknown sequence")

// Registry is the read-only catalog of sequence definitions for one run.
// Only active emails are kept, re-indexed 0..n-1 in email_order order, so
// an automation's current_email_index addresses Emails directly.
type Registry struct {
	sequences map[string]*model.Sequence
	ordered   []*model.Sequence
}

// NewRegistry validates the definitions and builds the catalog. It fails
// on the first invalid definition or dangling move target.
func NewRegistry(definitions []model.Sequence) (*Registry, error) {
	r := &Registry{sequences: make(map[string]*model.Sequence, len(definitions))}

	for _, def := range definitions {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.sequences[def.SequenceID]; dup {
			return nil, fmt.Errorf("sequence %s is defined twice", def.SequenceID)
		}

		seq := def
		seq.Emails = activeEmails(def.Emails)
		seq.ExitTriggers = append([]model.ExitTrigger(nil), def.ExitTriggers...)
		r.sequences[seq.SequenceID] = &seq
		r.ordered = append(r.ordered, &seq)
	}

	for _, seq := range r.ordered {
		for _, t := range seq.ExitTriggers {
			if t.Action != model.ActionMoveToSequence {
				continue
			}
			if _, ok := r.sequences[*t.TargetSequenceID]; !ok {
				return nil, fmt.Errorf("sequence %s: move target %s: %w", seq.SequenceID, *t.TargetSequenceID, ErrUnknownSequence)
			}
		}
	}

	sort.SliceStable(r.ordered, func(i, j int) bool {
		if r.ordered[i].MinScore != r.ordered[j].MinScore {
			return r.ordered[i].MinScore > r.ordered[j].MinScore
		}
		return r.ordered[i].SequenceID < r.ordered[j].SequenceID
	})
	return r, nil
}

// LoadRegistry reads every definition from the store.
func LoadRegistry(ctx context.Context, ds database.IDataSource) (*Registry, error) {
	defs, err := ds.GetAllSequences(ctx)
	if err != nil {
		return nil, err
	}
	return NewRegistry(defs)
}

func activeEmails(emails []model.SequenceEmail) []model.SequenceEmail {
	active := make([]model.SequenceEmail, 0, len(emails))
	for _, e := range emails {
		if e.Active {
			active = append(active, e)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].EmailOrder < active[j].EmailOrder
	})
	for i := range active {
		active[i].EmailOrder = i
	}
	return active
}

// Get returns the definition with the given id. Callers must not modify it.
func (r *Registry) Get(sequenceID string) (*model.Sequence, error) {
	seq, ok := r.sequences[sequenceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSequence, sequenceID)
	}
	return seq, nil
}

// EmailAt returns the email at a 0-based index. ok is false past the end.
func (r *Registry) EmailAt(sequenceID string, index int) (model.SequenceEmail, bool, error) {
	seq, err := r.Get(sequenceID)
	if err != nil {
		return model.SequenceEmail{}, false, err
	}
	if index < 0 || index >= len(seq.Emails) {
		return model.SequenceEmail{}, false, nil
	}
	return seq.Emails[index], true, nil
}

// ListEligible returns the ids of the sequences accepting the profile and
// score, highest min_score first.
func (r *Registry) ListEligible(profile model.ClientProfile, score int) []string {
	var ids []string
	for _, seq := range r.ordered {
		if seq.Eligible(profile, score) {
			ids = append(ids, seq.SequenceID)
		}
	}
	return ids
}

// All returns every definition in selection order.
func (r *Registry) All() []model.Sequence {
	all := make([]model.Sequence, 0, len(r.ordered))
	for _, seq := range r.ordered {
		all = append(all, *seq)
	}
	return all
}

func (r *Registry) Len() int {
	return len(r.ordered)
}
