package main

import "github.com/tronsfer/tronsfer/internal/cli"

func main() {
	cli.Execute()
}
