package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

func TestMergeDefinitions(t *testing.T) {
	stored := []model.Sequence{{SequenceID: "a", Name: "old"}, {SequenceID: "b"}}
	incoming := []model.Sequence{{SequenceID: "a", Name: "new"}, {SequenceID: "c"}}

	merged := mergeDefinitions(stored, incoming)
	require.Len(t, merged, 3)
	assert.Equal(t, "new", merged[0].Name)
	assert.Equal(t, "b", merged[1].SequenceID)
	assert.Equal(t, "c", merged[2].SequenceID)
	assert.Equal(t, "old", stored[0].Name)
}

func TestReadDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sequences.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"sequence_id": "vip-startup", "name": "VIP Startup", "trigger_kind": "form_submission",
		 "client_profile": "startup", "min_score": 70, "max_score": 100,
		 "emails": [{"template_key": "vip-1", "email_order": 1, "delay_hours": 0, "subject": "Hi", "active": true}]}
	]`), 0o600))

	defs, err := readDefinitions(path)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "vip-startup", defs[0].SequenceID)
	assert.Equal(t, 70, defs[0].MinScore)
	assert.Len(t, defs[0].Emails, 1)

	require.NoError(t, os.WriteFile(path, []byte(`{"not":"a list"}`), 0o600))
	_, err = readDefinitions(path)
	assert.Error(t, err)
}
