package main

import "github.com/andresmejia3/vitals/cmd"

func main() {
	cmd.Execute()
}
