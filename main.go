package main

import "policypulse/cmd"

func main() {
	cmd.Execute()
}
