package main

import "github.com/nexus-shell/nxsh/cmd/nxsh-plugin/cmd"

func main() {
	cmd.Execute()
}
