package main

import "github.com/bendavidsteel/what-for-where/internal/cli"

func main() {
	cli.Execute()
}
