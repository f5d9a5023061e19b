// The main package for the answercrawler executable.
package main

import (
	"github.com/JakeFAU/answer-engine-crawler/cmd"
)

func main() {
	cmd.Execute()
}
