package main

import (
	"github.com/ouni3233/alljoyn-core/cmd/ajrouterd/commands"
)

func main() {
	commands.Execute()
}
