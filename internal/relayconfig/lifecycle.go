package relayconfig

import (
	"fmt"

	"github.com/shineum/smtp-relay-lite/internal/settings"
)

// Purge deletes every persisted relay setting, including the test-send
// rate-limit state. It is safe to call repeatedly.
func Purge(backend settings.Store) error {
	for _, f := range Fields {
		if err := backend.Delete(string(f)); err != nil {
			return fmt.Errorf("failed to delete %s: %w", f, err)
		}
	}
	return nil
}
