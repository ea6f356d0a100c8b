package main

import "github.com/frahmantamala/credit-ledger/cmd"

func main() {
	cmd.Execute()
}
