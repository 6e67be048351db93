package main

import "go-sd-launcher/cmd/sd-launcher/cmd"

func main() {
	cmd.Execute()
}
