package main

import (
	"fmt"
	"os"

	clicmd "github.com/cdl-lang/remoting/cli/cmd"
	servercmd "github.com/cdl-lang/remoting/server/cmd"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("expected a subcommand")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "server":
		servercmd.Main(os.Args[2:])
	case "dbio":
		clicmd.Main(os.Args[2:])
	default:
		fmt.Printf("unknown subcommand: %s", os.Args[1])
		os.Exit(1)
	}
}
