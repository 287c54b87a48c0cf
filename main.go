package main

import "github.com/jmehdipour/erphub/cmd"

func main() {
	cmd.Execute()
}
