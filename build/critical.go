package build

import (
	"fmt"
	"os"
	"runtime/debug"
)

// DEBUG controls whether Critical and Severe panic in addition to logging.
// It defaults to false; nothing in the CLI sets it, and tests toggle it to
// exercise the panic path.
var DEBUG = false

// Release identifies the build type ("standard", "testing", "dev"). Tests
// set this to "testing" to suppress stack dumps on expected-failure paths.
var Release = "standard"

// Critical should be called when a sanity check has failed, indicating a
// bug in this module rather than bad input. If the process does not panic,
// the call stack is printed to aid debugging.
func Critical(v ...interface{}) {
	s := "Critical error: " + fmt.Sprintln(v...) + "This indicates a bug in the installer engine.\n"
	if Release != "testing" {
		debug.PrintStack()
		os.Stderr.WriteString(s)
	}
	if DEBUG {
		panic(s)
	}
}

// Severe reports a significant but non-corrupting problem (disk failure,
// unexpected filesystem state). Severe panics only when DEBUG is set.
func Severe(v ...interface{}) {
	s := "Severe error: " + fmt.Sprintln(v...)
	if Release != "testing" {
		debug.PrintStack()
		os.Stderr.WriteString(s)
	}
	if DEBUG {
		panic(s)
	}
}
