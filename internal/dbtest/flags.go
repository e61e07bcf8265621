package dbtest

import (
	"flag"
	"os"
	"os/signal"
)

// Inspect keeps the container of a failed test running until the developer
// interrupts the test binary. Ryuk still reaps it eventually.
var Inspect = flag.Bool("dbtest.inspect", false, "keep the database container of a failed test running for inspection")

// waitForInspection blocks until SIGINT.
func waitForInspection() {
	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt)
	defer signal.Stop(interrupted)
	<-interrupted
}
