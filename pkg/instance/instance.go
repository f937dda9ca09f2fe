// Package instance derives a stable identity for this bridge process, stamped
// onto audit and outcome rows so multi-host deployments stay attributable.
package instance

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/denisbrodbeck/machineid"
)

// ID returns a short, stable identifier for the host machine. Falls back to
// "unknown" rather than failing startup when the machine id is unreadable.
func ID() string {
	raw, err := machineid.ID()
	if err != nil {
		return "unknown"
	}
	sum := sha256.Sum256([]byte("bridge-core:" + raw))
	return hex.EncodeToString(sum[:6])
}
