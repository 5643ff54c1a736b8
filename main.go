package main

import "github.com/modfetch/engine/cmd"

func main() {
	cmd.Execute()
}
