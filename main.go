package main

import "github.com/forgebuild/cachet/cmd"

func main() {
	cmd.Execute()
}
