package main

import "snipr/internal/cli"

func main() {
	cli.Execute()
}
