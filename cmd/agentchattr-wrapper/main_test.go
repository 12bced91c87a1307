package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"agentchattr/pkg/config"
)

func TestBuildCommand(t *testing.T) {
	plain := config.Agent{Command: "claude"}
	assert.Equal(t, "claude", buildCommand(plain, nil))
	assert.Equal(t, "claude --model opus", buildCommand(plain, []string{"--model", "opus"}))

	resuming := config.Agent{Command: "claude", ResumeFlag: "--continue"}
	assert.Equal(t, "claude --continue", buildCommand(resuming, nil))

	// A resume word passed by hand is not duplicated.
	assert.Equal(t, "claude --continue", buildCommand(resuming, []string{"--continue"}))

	multi := config.Agent{Command: "codex", ResumeFlag: "resume --last"}
	assert.Equal(t, "codex resume --last", buildCommand(multi, nil))
	assert.Equal(t, "codex --last", buildCommand(multi, []string{"--last"}))
}
