package main

import "github.com/deploymenttheory/go-apfs-mount/cmd"

func main() {
	cmd.Execute()
}
