package main

import (
	"os"

	"github.com/knoguchi/trackrank/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
