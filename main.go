package main

import "github.com/pomodex/pomodex/cli"

func main() {
	cli.Execute()
}
