package main

import "github.com/openctrol/openctrol-agent/cmd/openctrol-agent/cmd"

func main() {
	cmd.Execute()
}
