package main

import "github.com/FraMan97/modsync/internal/cli"

func main() {
	cli.Execute()
}
