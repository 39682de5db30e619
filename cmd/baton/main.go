package main

import "github.com/berth-dev/baton/internal/cli"

func main() {
	cli.Execute()
}
