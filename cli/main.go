package main

import "southwinds.dev/keep/cli/cmd"

func main() {
	cmd.Execute()
}
