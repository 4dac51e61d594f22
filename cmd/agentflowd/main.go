// Command agentflowd runs the agent-workflow orchestration service: the
// HTTP API, the worker pool consuming the job queue, and the background
// scheduler, all in one process.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
