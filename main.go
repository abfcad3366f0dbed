package main

import "github.com/clawgate/clawgate/cmd"

func main() {
	cmd.Execute()
}
