package main

import "annoflow/cmd"

func main() {
	cmd.Execute()
}
