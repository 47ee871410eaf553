package main

import (
	"os"
	"path/filepath"

	"gopkg.in/op/go-logging.v1"
)

// initLogging wires up go-logging exactly as the reference tool's
// output.InitLogging does: a shell backend at verbosity, plus an optional
// file backend at a separately-configured level.
func initLogging(verbosity int, logFile string, logFileLevel int) {
	level := translateLogLevel(verbosity)
	logging.SetFormatter(logging.MustStringFormatter("%{time:15:04:05.000} %{level:7s}: %{message}"))

	shellBackend := logging.AddModuleLevel(logging.NewLogBackend(os.Stderr, "", 0))
	shellBackend.SetLevel(level, "")

	if logFile == "" {
		logging.SetBackend(shellBackend)
		return
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		log.Fatalf("creating log file directory: %s", err)
	}
	f, err := os.Create(logFile)
	if err != nil {
		log.Fatalf("opening log file: %s", err)
	}
	fileBackend := logging.AddModuleLevel(logging.NewLogBackend(f, "", 0))
	fileBackend.SetLevel(translateLogLevel(logFileLevel), "")
	logging.SetBackend(shellBackend, fileBackend)
}

// translateLogLevel maps a verbosity count to a go-logging level, the same
// mapping the reference tool's output.translateLogLevel uses.
func translateLogLevel(verbosity int) logging.Level {
	switch {
	case verbosity <= 0:
		return logging.ERROR
	case verbosity == 1:
		return logging.WARNING
	case verbosity == 2:
		return logging.NOTICE
	case verbosity == 3:
		return logging.INFO
	default:
		return logging.DEBUG
	}
}
