package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitFailure},
		{"exit error", NewExitError(ExitCommandError, "bad path"), ExitCommandError},
		{"wrapped exit error", fmt.Errorf("outer: %w", NewExitError(ExitFailure, "failed")), ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestExitError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapExitError(ExitCommandError, "failed to open database", cause)

	assert.Equal(t, "failed to open database: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "no modules", NewExitError(ExitFailure, "no modules").Error())
}

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]int{"modules": 2}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
	assert.Equal(t, map[string]any{"modules": float64(2)}, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	details := map[string]string{"file": "cart.cue", "line": "3"}
	require.NoError(t, formatter.Error(ErrCodeInvalidNode, "unknown function", details))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidNode, resp.Error.Code)
	assert.Equal(t, "unknown function", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextError(t *testing.T) {
	tests := []struct {
		name        string
		verbose     bool
		wantDetails bool
	}{
		{"quiet", false, false},
		{"verbose", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: tt.verbose}

			require.NoError(t, formatter.Error(ErrCodeNotFound, "specs directory not found", "dir=/x"))
			assert.Contains(t, buf.String(), "Error [E005]: specs directory not found")
			if tt.wantDetails {
				assert.Contains(t, buf.String(), "Details: dir=/x")
			} else {
				assert.NotContains(t, buf.String(), "Details:")
			}
		})
	}
}

func TestOutputFormatter_VerboseLogUsesErrWriter(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut, Verbose: true}

	formatter.VerboseLog("Compiling module: %s", "cart")
	assert.Empty(t, out.String())
	assert.Equal(t, "Compiling module: cart\n", errOut.String())

	formatter.Verbose = false
	formatter.VerboseLog("dropped")
	assert.NotContains(t, errOut.String(), "dropped")
}

func TestOutputFormatter_VerboseLogFallsBackToWriter(t *testing.T) {
	out := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: out, Verbose: true}

	formatter.VerboseLog("Found %d CUE file(s)", 2)
	assert.Equal(t, "Found 2 CUE file(s)\n", out.String())
}

func TestOutputFormatter_EncodeIndents(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Encode(CLIResponse{Status: "ok", Data: []int{1}}))
	assert.Contains(t, buf.String(), "\n  \"status\": \"ok\"")
}
