package main

import "github.com/example/courtsched/cmd"

func main() {
	cmd.Execute()
}
