// Command leadmail polls dealer mailboxes for portal lead emails and
// forwards the extracted leads to the CRM.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "leadmail:", err)
		os.Exit(1)
	}
}
