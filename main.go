package main

import "github.com/mlevasseur/remedy/cmd"

func main() {
	cmd.Execute()
}
