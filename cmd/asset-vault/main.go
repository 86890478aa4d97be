package main

import (
	"go-asset-vault/cmd/asset-vault/cmd"
)

func main() {
	// Execute the root command (defined in cmd/root.go)
	cmd.Execute()
}
