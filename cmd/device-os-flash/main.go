package main

import "github.com/particle-iot/device-os-flash-util/cmd/device-os-flash/cmd"

func main() {
	cmd.Execute()
}
