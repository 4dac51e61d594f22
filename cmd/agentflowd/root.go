package main

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:   "agentflowd",
	Short: "Durable agent-workflow orchestration service",
	Long: `agentflowd runs checkpointed agent workflows with human-in-the-loop
approval gates, a database-backed job queue, and per-workflow SSE event
streams.

Configuration comes from AGENTFLOW_* environment variables. The defaults
serve HTTP on :8080 with a SQLite store, four workers, the full planning
graph, and the offline mock model, so the service runs with no environment
at all:

  agentflowd serve

Point it at MySQL and a real model:

  AGENTFLOW_DB_DRIVER=mysql \
  AGENTFLOW_DB_DSN='agent:secret@tcp(127.0.0.1:3306)/agentflow?parseTime=true' \
  AGENTFLOW_LLM_PROVIDER=anthropic AGENTFLOW_LLM_API_KEY=... \
  agentflowd serve`,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
