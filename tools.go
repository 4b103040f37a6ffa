//go:build tools

package tools

// keeps tool dependencies pinned in go.mod without shipping them in the
// binary.
//
import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
)
