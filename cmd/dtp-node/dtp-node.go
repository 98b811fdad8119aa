/*
dtp node
*/
package main

import "github.com/skycoin/dtp/cmd/dtp-node/commands"

func main() {
	commands.Execute()
}
