package drill

import (
	"os"
)

// ShowHelp prints usage information for the drill tool.
func ShowHelp() {
	os.Stdout.WriteString(`patientsim drill
================

Replays a scripted trainee conversation against a running server and checks
the banners, the ended flag and the minimum rubric scores it declares.

Usage:
  drill -script <file> [options]

Options:
  -url string
        Base URL of the service (default "http://localhost:9080")
  -script string
        Conversation script (YAML)
  -sessions int
        Number of concurrent sessions replaying the script (default 1)
  -timeout duration
        HTTP request timeout (default 90s)
  -verbose
        Log every patient reply
  -help
        Show this help message

Examples:
  drill -script cmd/drill/scripts/intake-crisis.yaml
  drill -script my.yaml -sessions 8 -url http://localhost:8080
`)
}
