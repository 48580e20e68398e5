package main

import "github.com/mochi-id/loginflow/cmd/loginflow/cmd"

func main() {
	cmd.Execute()
}
