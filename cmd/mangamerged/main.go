// Command mangamerged runs the manga-library merge daemon.
package main

import (
	"fmt"
	"os"

	"github.com/ssmcore/mangamerged/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
