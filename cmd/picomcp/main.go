package main

import "picomcp/cmd/picomcp/root"

func main() {
	root.Execute()
}
