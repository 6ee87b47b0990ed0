package main

import "github.com/brunopadz/pgwire/cli"

func main() {
	cli.Run()
}
