// Command moonrun runs Luau scripts and builds standalone executables from
// them. A built executable runs its packaged entry script instead of the CLI.
package main

import "os"

func main() {
	if code, ok := checkStandalone(); ok {
		os.Exit(code)
	}
	Execute()
}
