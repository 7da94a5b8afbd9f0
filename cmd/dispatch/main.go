package main

import "github.com/agusx1211/dispatch/internal/cli"

func main() {
	cli.Execute()
}
