package main

import "runelink/cmd"

func main() {
	cmd.Execute()
}
