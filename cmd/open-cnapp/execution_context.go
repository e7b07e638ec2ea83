package main

import (
	"sync"

	"github.com/spf13/cobra"
)

// annotationPlainOutput marks commands whose output is read by a human
// at a terminal. They skip the structured-logging bootstrap and report
// fatal errors as plain text.
const annotationPlainOutput = "open-cnapp.plain-output"

// commandExecutionContext records which command is running, so the
// fatal-error path in main can decide between structured logs and
// plain stderr output after Execute has already returned.
type commandExecutionContext struct {
	CommandPath       string
	UsesStructuredLog bool
}

var (
	commandExecutionMu  sync.Mutex
	commandExecutionCtx commandExecutionContext
)

func setCommandExecutionContext(ctx commandExecutionContext) {
	commandExecutionMu.Lock()
	defer commandExecutionMu.Unlock()
	commandExecutionCtx = ctx
}

func resetCommandExecutionContext() {
	setCommandExecutionContext(commandExecutionContext{})
}

func currentCommandExecutionContext() commandExecutionContext {
	commandExecutionMu.Lock()
	defer commandExecutionMu.Unlock()
	return commandExecutionCtx
}

// commandUsesStructuredLogging reports whether cmd is a service-style
// command. The plain-output annotation is inherited, so marking a
// parent covers its subcommands.
func commandUsesStructuredLogging(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[annotationPlainOutput] == "true" {
			return false
		}
	}
	return true
}

func markPlainOutput(cmd *cobra.Command) {
	if cmd.Annotations == nil {
		cmd.Annotations = map[string]string{}
	}
	cmd.Annotations[annotationPlainOutput] = "true"
}
