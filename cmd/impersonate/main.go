package main

import (
	_ "time/tzdata"

	"github.com/juanfont/impersonate/cli"
)

func main() {
	cli.Execute()
}
