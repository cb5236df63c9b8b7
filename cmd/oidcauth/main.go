// Command oidcauth checks OpenID Connect tokens and issuers against the same
// trust configuration a broker loads.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
