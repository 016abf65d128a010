package logging

import (
	"log"
	"os"
)

var (
	disabled = false
	logger   = log.New(os.Stdout, "", log.LstdFlags)
)

// Disable turns off all logging (tests, quiet CLI modes)
func Disable() {
	disabled = true
}

// Enable turns logging back on
func Enable() {
	disabled = false
}

// Infof logs a formatted info message
func Infof(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}

// Warnf logs a formatted warning message
func Warnf(format string, v ...any) {
	if !disabled {
		logger.Printf("WARN "+format, v...)
	}
}

// Errorf logs a formatted error message
func Errorf(format string, v ...any) {
	if !disabled {
		logger.Printf("ERROR "+format, v...)
	}
}

// Securityf logs a security-relevant rejection (blocked command, policy
// violation). Same log path, tagged so operators can grep for it.
func Securityf(format string, v ...any) {
	if !disabled {
		logger.Printf("SECURITY "+format, v...)
	}
}
