package main

import "github.com/taskpdf/taskpdf/cmd"

func main() {
	cmd.Execute()
}
