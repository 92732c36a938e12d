package main

import "texrender/internal/cli"

func main() {
	cli.Execute()
}
