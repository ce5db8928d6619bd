package main

import "github.com/DominicWuest/dllbisect/cmd"

func main() {
	cmd.Execute()
}
