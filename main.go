package main

import "cequeue/cmd"

func main() {
	cmd.Run()
}
