package main

import "github.com/gatehouselabs/gatehouse/cmd/gatehouse/cmd"

func main() {
	cmd.Execute()
}
