package main

import "quota-watch/internal/cli"

func main() {
	cli.Execute()
}
