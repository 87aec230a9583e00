package main

import "candlewatch/internal/cli"

func main() {
	cli.Execute()
}
