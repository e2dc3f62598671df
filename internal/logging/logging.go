// Package logging installs the level filter for the standard logger.
//
// Messages are written as log.Printf("[LEVEL] fn - message") and dropped
// when LEVEL is below the configured minimum.
package logging

import (
	"io"
	"log"
	"strings"

	"github.com/hashicorp/logutils"
)

var Levels = []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

// Normalize upper-cases level and maps unknown levels to INFO.
func Normalize(level string) string {
	l := strings.ToUpper(strings.TrimSpace(level))
	for _, known := range Levels {
		if string(known) == l {
			return l
		}
	}
	return "INFO"
}

func NewFilter(level string, w io.Writer) *logutils.LevelFilter {
	return &logutils.LevelFilter{
		Levels:   Levels,
		MinLevel: logutils.LogLevel(Normalize(level)),
		Writer:   w,
	}
}

// Setup routes the standard logger through a level filter and returns the
// effective level.
func Setup(level string, w io.Writer) string {
	filter := NewFilter(level, w)
	log.SetOutput(filter)
	return string(filter.MinLevel)
}
