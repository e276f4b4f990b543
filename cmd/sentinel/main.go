package main

import "liquidation-sentinel/internal/cli"

func main() {
	cli.Execute()
}
