// Package main is the entry point of the AMU competency service.
//
// The service records competency achievements reported by the AI tutor,
// rolls them up into module and course completion, and requests a
// certificate once a course is done.
//
// Layout follows the usual clean architecture split:
//   - Domain: milestone parsing and enrollment state transitions
//   - Application: commands, queries and event handlers
//   - Infrastructure: postgres, redis, Claude and the certificate service
//   - Interface: the gin HTTP API
package main

import (
	"context"
	"os"
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
