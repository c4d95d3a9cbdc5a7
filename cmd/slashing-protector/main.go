package main

import (
	"fmt"

	"github.com/ssvlabs/slashing-protector/cli"
)

// AppName is the application name
var AppName = "slashing-protector"

// Version is the app version
var Version = "latest"

// Commit is the git commit this version was built on
var Commit = "unknown"

func main() {
	cli.Execute(AppName, fmt.Sprintf("%s-%s", Version, Commit))
}
