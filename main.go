package main

import "github.com/CosmoTheDev/webscan-engine/cmd"

func main() {
	cmd.Execute()
}
