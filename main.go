package main

import "guest-presence/cmd"

func main() {
	cmd.Run()
}
