package main

import "market-sampler/internal/cli"

func main() {
	cli.Execute()
}
