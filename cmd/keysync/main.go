package main

import "github.com/jmcleod/keysync/cmd/keysync/cmd"

func main() {
	cmd.Execute()
}
