package main

import (
	"fmt"
	"os"

	"github.com/aiwhisperer/aiwhisperer/pkg/config"
)

// SchemaCmd writes the configuration JSON schema to stdout.
type SchemaCmd struct{}

func (c *SchemaCmd) Run() error {
	schema, err := config.Schema()
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}
	_, err = os.Stdout.Write(append(schema, '\n'))
	return err
}
