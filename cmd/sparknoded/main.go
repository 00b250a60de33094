package main

import "github.com/zuber2301/sparknode-sub002/internal/cli"

func main() {
	cli.Execute()
}
