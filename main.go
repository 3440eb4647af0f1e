package main

import "deskrelay/cmd"

func main() {
	cmd.Execute()
}
