package main

import "github.com/gloworm-vision/depthcam/cmd/depthcam/commands"

func main() {
	commands.Execute()
}
