package main

import "guard-service/cmd/guardctl/commands"

func main() {
	commands.Execute()
}
