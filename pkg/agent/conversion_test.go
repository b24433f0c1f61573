package agent

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwbflow/nwbflow/pkg/models"
)

func TestExtractWarnings(t *testing.T) {
	log := "reading dataset\n" +
		"WARNING: channel 3 has gaps\n" +
		"  Warning: sample rate rounded\n" +
		"writing output\n"

	got := extractWarnings(log)
	require.Len(t, got, 2)
	assert.Equal(t, "WARNING: channel 3 has gaps", got[0])
	assert.Equal(t, "Warning: sample rate rounded", got[1])

	assert.Empty(t, extractWarnings("all good\n"))
}

func TestPrepareMetadata(t *testing.T) {
	t.Run("fills missing session start time", func(t *testing.T) {
		md := &models.ExtractedMetadata{SubjectID: "mouse-01"}
		out := prepareMetadata(md)
		assert.NotEmpty(t, out.SessionStartTime)
		assert.Equal(t, "mouse-01", out.SubjectID)
		// The stored extraction stays untouched.
		assert.Empty(t, md.SessionStartTime)
	})

	t.Run("keeps an existing start time", func(t *testing.T) {
		md := &models.ExtractedMetadata{SessionStartTime: "2026-01-15T09:30:00Z"}
		out := prepareMetadata(md)
		assert.Equal(t, "2026-01-15T09:30:00Z", out.SessionStartTime)
	})
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", tail("short", 100))
	assert.Equal(t, "cdef", tail("abcdef", 4))
	assert.Equal(t, "", tail("", 4))
}

func TestConversionToolErrorUnwraps(t *testing.T) {
	cause := errors.New("exit status 1")
	err := &ConversionToolError{Log: "traceback", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "exit status 1")
}

func TestWriteMetadataFile(t *testing.T) {
	dir := t.TempDir()
	md := &models.ExtractedMetadata{SubjectID: "mouse-01", Species: "Mus musculus"}

	path, err := writeMetadataFile(dir+"/out.nwb", md)
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Remove(path) })

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got models.ExtractedMetadata
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "mouse-01", got.SubjectID)
	assert.Equal(t, "Mus musculus", got.Species)
}

func TestExplainFailure(t *testing.T) {
	cause := errors.New("exit status 2")

	t.Run("uses the model's explanation", func(t *testing.T) {
		caller := &fakeCaller{response: "  The settings.xml references a missing channel map. Re-export it.  "}
		a := NewConversionAgent(nil, nil, nil, caller, nil)

		msg := a.explainFailure(t.Context(), cause, "tool log tail")
		assert.Equal(t, "The settings.xml references a missing channel map. Re-export it.", msg)
		require.Len(t, caller.prompts, 1)
		assert.Contains(t, caller.prompts[0], "tool log tail")
	})

	t.Run("static fallback when the model is down", func(t *testing.T) {
		a := NewConversionAgent(nil, nil, nil, &fakeCaller{err: assert.AnError}, nil)
		msg := a.explainFailure(t.Context(), cause, "")
		assert.Contains(t, msg, "exit status 2")
		assert.Contains(t, strings.ToLower(msg), "clarify")
	})

	t.Run("static fallback on empty response", func(t *testing.T) {
		a := NewConversionAgent(nil, nil, nil, &fakeCaller{response: "   "}, nil)
		msg := a.explainFailure(t.Context(), cause, "")
		assert.Contains(t, msg, "exit status 2")
	})
}
