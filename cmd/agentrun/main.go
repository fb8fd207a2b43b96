package main

import "github.com/agentregistry-dev/agentrun/pkg/cli"

func main() {
	cli.Execute()
}
