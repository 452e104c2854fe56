package main

import "github.com/dogeorg/ledgerbox/cmd/ledgerbox/cmd"

func main() {
	cmd.Execute()
}
