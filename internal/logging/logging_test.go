package logging

import (
	"bytes"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "DEBUG", Normalize("debug"))
	assert.Equal(t, "WARN", Normalize(" warn "))
	assert.Equal(t, "INFO", Normalize("verbose"))
	assert.Equal(t, "INFO", Normalize(""))
}

func TestFilterDropsLowerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(NewFilter("warn", &buf), "", 0)

	logger.Println("[DEBUG] read - polling")
	logger.Println("[INFO] read - done")
	logger.Println("[WARN] evict - registry full")
	logger.Println("[ERROR] write - failed")

	assert.Equal(t, "[WARN] evict - registry full\n[ERROR] write - failed\n", buf.String())
}

func TestSetup(t *testing.T) {
	var buf bytes.Buffer
	defer log.SetOutput(os.Stderr)
	flags := log.Flags()
	log.SetFlags(0)
	defer log.SetFlags(flags)

	assert.Equal(t, "ERROR", Setup("error", &buf))
	log.Println("[INFO] main - hidden")
	log.Println("[FATAL] main - shown")
	assert.Equal(t, "[FATAL] main - shown\n", buf.String())
}
