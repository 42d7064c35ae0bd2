package main

import "github.com/WhitePlusMS/ink-survivor-sub000/services/engine/cli"

func main() {
	cli.Execute()
}
