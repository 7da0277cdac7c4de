package main

import (
	"github.com/obelisknetworks/mainstay/src/cmd/mainstay/command"
)

func main() {
	command.Execute()
}
