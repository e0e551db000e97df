package main

import (
	"github.com/priyxstudio/franchise/cmd"
)

func main() {
	cmd.Execute()
}
