package main

import "github.com/ongarde/ongarde/cmd/ongarde/cmd"

func main() {
	cmd.Execute()
}
