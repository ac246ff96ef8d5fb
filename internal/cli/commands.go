package cli

import (
	"fmt"
	"os"
	"sync"
)

var initOnce sync.Once

// InitCLI registers the global flags. Subcommands add themselves in init.
// Repeated calls are no-ops.
func InitCLI() {
	initOnce.Do(InitRoot)
}

// ExecuteWithErrorCode runs the root command with args and returns the
// process exit code.
func ExecuteWithErrorCode(args []string) int {
	RootCmd.SetArgs(args)

	if err := RootCmd.Execute(); err != nil {
		if globalFlags.Verbose {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}

	return 0
}
