package main

import "github.com/Kimchiigu/PHiscord/cmd"

func main() {
	cmd.Execute()
}
