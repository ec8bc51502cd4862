package main

import "github.com/trailhq/trail/cmd/trail/cli"

func main() {
	cli.Execute()
}
