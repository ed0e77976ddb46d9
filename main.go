package main

import "podcam/cmd"

func main() {
	cmd.Execute()
}
