package main

import "github.com/whisperwire/whisperwire/internal/client/cmd"

func main() {
	cmd.Execute()
}
