package main

import "github.com/andresmejia3/roadpilot/cmd"

func main() {
	cmd.Execute()
}
