package main

import "github.com/samsaffron/chatrelay/cmd"

func main() {
	cmd.Execute()
}
